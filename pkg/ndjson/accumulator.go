package ndjson

import (
	"encoding/json"
	"errors"
	"strings"
)

// DefaultField carries the text fragment in Ollama generate records.
const DefaultField = "response"

// ErrNotObject is reported for records that are valid JSON but not objects.
var ErrNotObject = errors.New("record is not a JSON object")

// ErrRecordTooLong is reported for records exceeding the size limit.
var ErrRecordTooLong = errors.New("record exceeds size limit")

// Accumulator reconstructs the full text of a stream by pulling one string
// field out of every record. It implements io.Writer and never fails, so it
// can sit next to another consumer of the same bytes without affecting it.
type Accumulator struct {
	// Field names the text-carrying key. Empty means DefaultField.
	Field string
	// OnRecord, when set, receives each extracted fragment in order.
	OnRecord func(fragment string)
	// OnMalformed, when set, receives records that could not be decoded.
	// Oversized records arrive truncated with ErrRecordTooLong.
	OnMalformed func(record []byte, err error)
	// MaxRecord bounds one record. Zero means DefaultMaxRecord.
	MaxRecord int

	splitter  Splitter
	text      strings.Builder
	records   int
	malformed int
}

// Write feeds p into the accumulator. It always reports len(p), nil.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.splitter.MaxRecord = a.MaxRecord
	a.splitter.OnOverflow = a.overflow
	for _, record := range a.splitter.Feed(p) {
		a.consume(record)
	}
	return len(p), nil
}

// Close flushes an unterminated trailing record.
func (a *Accumulator) Close() error {
	if record, ok := a.splitter.Finish(); ok {
		a.consume(record)
	}
	return nil
}

// Text returns everything accumulated so far.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// Records returns the number of well-formed records seen.
func (a *Accumulator) Records() int {
	return a.records
}

// Malformed returns the number of records that were skipped.
func (a *Accumulator) Malformed() int {
	return a.malformed
}

func (a *Accumulator) overflow(prefix []byte) {
	a.malformed++
	if a.OnMalformed != nil {
		a.OnMalformed(prefix, ErrRecordTooLong)
	}
}

func (a *Accumulator) consume(record []byte) {
	fragment, err := Extract(record, a.field())
	if err != nil {
		a.malformed++
		if a.OnMalformed != nil {
			a.OnMalformed(record, err)
		}
		return
	}
	a.records++
	if fragment == "" {
		return
	}
	a.text.WriteString(fragment)
	if a.OnRecord != nil {
		a.OnRecord(fragment)
	}
}

func (a *Accumulator) field() string {
	if a.Field == "" {
		return DefaultField
	}
	return a.Field
}

// Extract decodes record as a JSON object and returns the string stored under
// field. A missing, null or non-string field yields "" without error.
func Extract(record []byte, field string) (string, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(record, &object); err != nil {
		return "", err
	}
	if object == nil {
		return "", ErrNotObject
	}

	raw, ok := object[field]
	if !ok {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", nil
	}
	return text, nil
}

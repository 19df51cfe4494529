// Package ndjson incrementally decodes newline-delimited JSON streams whose
// chunks arrive at arbitrary byte boundaries.
package ndjson

import "bytes"

// Separator terminates every record on the wire.
const Separator = '\n'

// DefaultMaxRecord bounds a single record when Splitter.MaxRecord is zero.
const DefaultMaxRecord = 1 << 20

const overflowPrefix = 64

// Splitter buffers partial input and yields complete records.
//
// Splitting happens on raw bytes. The separator byte never appears inside a
// multi-byte UTF-8 sequence, so a character cut in half by a chunk boundary is
// rejoined in the pending buffer before the record is ever decoded.
//
// A record longer than MaxRecord is dropped: its first bytes go to OnOverflow
// and input is skipped up to the next separator.
type Splitter struct {
	MaxRecord  int
	OnOverflow func(prefix []byte)

	pending    []byte
	discarding bool
}

// Feed appends chunk and returns every record completed by it. Blank records
// are dropped. A trailing '\r' is trimmed. The returned slices do not alias
// the splitter's buffer.
func (s *Splitter) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	if s.discarding {
		idx := bytes.IndexByte(chunk, Separator)
		if idx < 0 {
			return nil
		}
		s.discarding = false
		chunk = chunk[idx+1:]
	}
	s.pending = append(s.pending, chunk...)

	limit := s.limit()
	var records [][]byte
	for {
		idx := bytes.IndexByte(s.pending, Separator)
		if idx < 0 {
			break
		}
		if idx > limit {
			s.overflow(s.pending[:idx])
		} else if record := clean(s.pending[:idx]); record != nil {
			records = append(records, record)
		}
		s.pending = s.pending[idx+1:]
	}

	if len(s.pending) > limit {
		s.overflow(s.pending)
		s.pending = nil
		s.discarding = true
	}

	// Compact so a long stream does not pin its whole history.
	if len(s.pending) == 0 {
		s.pending = nil
	} else if cap(s.pending) > 4*len(s.pending)+64 {
		s.pending = append([]byte(nil), s.pending...)
	}
	return records
}

// Finish returns the unterminated residue, if any, and resets the splitter.
func (s *Splitter) Finish() ([]byte, bool) {
	if s.discarding {
		s.discarding = false
		s.pending = nil
		return nil, false
	}
	record := clean(s.pending)
	s.pending = nil
	return record, record != nil
}

// Buffered reports how many bytes are waiting for a separator.
func (s *Splitter) Buffered() int {
	return len(s.pending)
}

func (s *Splitter) limit() int {
	if s.MaxRecord > 0 {
		return s.MaxRecord
	}
	return DefaultMaxRecord
}

func (s *Splitter) overflow(record []byte) {
	if s.OnOverflow == nil {
		return
	}
	if len(record) > overflowPrefix {
		record = record[:overflowPrefix]
	}
	s.OnOverflow(append([]byte(nil), record...))
}

func clean(raw []byte) []byte {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return append([]byte(nil), raw...)
}

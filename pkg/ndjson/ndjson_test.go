package ndjson

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestAccumulatorRecordSplitAcrossChunks(t *testing.T) {
	var acc Accumulator
	for _, chunk := range []string{
		`{"response":"Hel`,
		`lo"}` + "\n" + `{"respo`,
		`nse":" world"}` + "\n",
	} {
		acc.Write([]byte(chunk))
	}
	acc.Close()

	if got := acc.Text(); got != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", got)
	}
	if acc.Records() != 2 {
		t.Fatalf("expected 2 records, got %d", acc.Records())
	}
}

func TestAccumulatorSurvivesEveryChunkBoundary(t *testing.T) {
	fragments := []string{"Grüße, ", "世界", " 👋🏽", "\n", "done"}
	var stream strings.Builder
	for _, fragment := range fragments {
		line, _ := json.Marshal(map[string]any{"response": fragment, "done": false})
		stream.Write(line)
		stream.WriteByte('\n')
	}
	stream.WriteString(`{"done":true}` + "\n")
	payload := []byte(stream.String())
	want := strings.Join(fragments, "")

	for cut := 0; cut <= len(payload); cut++ {
		for width := 1; width <= 7; width++ {
			var acc Accumulator
			acc.Write(payload[:cut])
			rest := payload[cut:]
			for len(rest) > 0 {
				n := width
				if n > len(rest) {
					n = len(rest)
				}
				acc.Write(rest[:n])
				rest = rest[n:]
			}
			acc.Close()

			if got := acc.Text(); got != want {
				t.Fatalf("cut=%d width=%d: expected %q, got %q", cut, width, want, got)
			}
		}
	}
}

func TestAccumulatorSkipsMalformedRecords(t *testing.T) {
	var reported []string
	acc := Accumulator{
		OnMalformed: func(record []byte, err error) {
			reported = append(reported, string(record))
		},
	}

	acc.Write([]byte(`{"response":"a"}` + "\n" + `{"response":` + "\n" + `[1,2]` + "\n" + `null` + "\n" + `{"response":"b"}` + "\n"))
	acc.Close()

	if got := acc.Text(); got != "ab" {
		t.Fatalf("expected %q, got %q", "ab", got)
	}
	if acc.Malformed() != 3 {
		t.Fatalf("expected 3 malformed records, got %d (%v)", acc.Malformed(), reported)
	}
	if len(reported) != 3 || reported[0] != `{"response":` {
		t.Fatalf("unexpected malformed report: %v", reported)
	}
}

func TestAccumulatorFlushesTrailingRecordOnClose(t *testing.T) {
	var acc Accumulator
	acc.Write([]byte(`{"response":"one"}` + "\n" + `{"response":"two"}`))
	if acc.Text() != "one" {
		t.Fatalf("expected only the terminated record before Close, got %q", acc.Text())
	}
	acc.Close()
	if acc.Text() != "onetwo" {
		t.Fatalf("expected trailing record after Close, got %q", acc.Text())
	}
}

func TestAccumulatorCustomFieldAndCallbacks(t *testing.T) {
	var seen []string
	acc := Accumulator{
		Field:    "delta",
		OnRecord: func(fragment string) { seen = append(seen, fragment) },
	}
	acc.Write([]byte(`{"delta":"x","response":"ignored"}` + "\r\n" + `{"delta":7}` + "\n" + `{"delta":"y"}` + "\n"))

	if acc.Text() != "xy" {
		t.Fatalf("expected %q, got %q", "xy", acc.Text())
	}
	if len(seen) != 2 || seen[1] != "y" {
		t.Fatalf("unexpected callbacks: %v", seen)
	}
	if acc.Malformed() != 0 {
		t.Fatalf("non-string field must not count as malformed")
	}
}

func TestSplitterFinish(t *testing.T) {
	var s Splitter
	if records := s.Feed([]byte("a\n\n  \nb")); len(records) != 1 || string(records[0]) != "a" {
		t.Fatalf("unexpected records: %q", records)
	}
	if s.Buffered() != 1 {
		t.Fatalf("expected 1 buffered byte, got %d", s.Buffered())
	}
	record, ok := s.Finish()
	if !ok || string(record) != "b" {
		t.Fatalf("expected residual record b, got %q ok=%v", record, ok)
	}
	if _, ok := s.Finish(); ok {
		t.Fatal("expected empty splitter after Finish")
	}
}

func TestAccumulatorDropsOversizedRecord(t *testing.T) {
	var reasons []error
	acc := Accumulator{
		MaxRecord: 32,
		OnMalformed: func(record []byte, err error) {
			reasons = append(reasons, err)
		},
	}

	acc.Write([]byte(`{"response":"ok"}` + "\n"))
	for i := 0; i < 4; i++ {
		acc.Write([]byte(strings.Repeat("x", 10)))
	}
	if acc.splitter.Buffered() != 0 {
		t.Fatalf("oversized record still buffered: %d bytes", acc.splitter.Buffered())
	}
	acc.Write([]byte(strings.Repeat("x", 100)))
	acc.Write([]byte("yyy\n" + `{"response":"!"}` + "\n"))
	acc.Close()

	if got := acc.Text(); got != "ok!" {
		t.Fatalf("unexpected text: %q", got)
	}
	if acc.Malformed() != 1 || len(reasons) != 1 || !errors.Is(reasons[0], ErrRecordTooLong) {
		t.Fatalf("expected one oversized record, got malformed=%d reasons=%v", acc.Malformed(), reasons)
	}
}

func TestSplitterDropsOversizedCompleteRecord(t *testing.T) {
	var dropped [][]byte
	s := Splitter{
		MaxRecord:  16,
		OnOverflow: func(prefix []byte) { dropped = append(dropped, prefix) },
	}

	records := s.Feed([]byte(strings.Repeat("z", 100) + "\n" + `{"a":1}` + "\n"))
	if len(records) != 1 || string(records[0]) != `{"a":1}` {
		t.Fatalf("unexpected records: %q", records)
	}
	if len(dropped) != 1 || len(dropped[0]) != overflowPrefix {
		t.Fatalf("expected one truncated overflow report, got %q", dropped)
	}
	if _, ok := s.Finish(); ok {
		t.Fatal("expected no residue")
	}
}

func TestSplitterFinishAfterOverflow(t *testing.T) {
	s := Splitter{MaxRecord: 8}
	s.Feed([]byte(strings.Repeat("q", 20)))
	if _, ok := s.Finish(); ok {
		t.Fatal("oversized residue must not be returned")
	}
	records := s.Feed([]byte(`{"b":2}` + "\n"))
	if len(records) != 1 {
		t.Fatalf("splitter did not recover after Finish: %q", records)
	}
}

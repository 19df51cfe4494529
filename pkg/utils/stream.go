package utils

import (
	"errors"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// ByteStream writes a chunked binary response, flushing after every chunk.
type ByteStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewByteStream prepares w for streaming.
func NewByteStream(w http.ResponseWriter) (*ByteStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &ByteStream{w: w, flusher: flusher}, nil
}

// Begin sends the streaming headers and the 200 status line.
func (s *ByteStream) Begin() error {
	if s.started {
		return nil
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	return nil
}

// Write forwards p unchanged and flushes it to the client.
func (s *ByteStream) Write(p []byte) error {
	if !s.started {
		if err := s.Begin(); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Started reports whether the status line has been sent.
func (s *ByteStream) Started() bool {
	return s.started
}

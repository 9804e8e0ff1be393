package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// sseWriter frames JSON objects as Server-Sent Events: one object per
// `data:` line, flushed immediately so the client sees tokens as they
// stream.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// write sends one frame. A false return means the connection is gone and the
// caller should stop consuming its event source.
func (s *sseWriter) write(frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("encoding sse frame failed", "error", err)
		return true
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := s.w.Write(payload); err != nil {
		return false
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
)

// streamWriter writes frames to a progressive response. Headers go out
// with the first frame so an early failure can still become an error status.
type streamWriter struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	contentType string
	started     bool
}

func newStreamWriter(w http.ResponseWriter, contentType string) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w), contentType: contentType}
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", s.contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// WriteFrames writes frames and flushes them to the client.
func (s *streamWriter) WriteFrames(frames [][]byte) error {
	s.start()
	for _, f := range frames {
		if _, err := s.w.Write(f); err != nil {
			return err
		}
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

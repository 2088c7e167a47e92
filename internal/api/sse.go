package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter frames server-sent events as single "data:" lines.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(string(payload))
}

func (s *sseWriter) raw(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) fragment(text string) error {
	return s.data(map[string]string{"data": text})
}

func (s *sseWriter) final(v any) error {
	return s.data(map[string]any{"data": v})
}

func (s *sseWriter) fail(ae *apiError, extra map[string]any) error {
	body := map[string]any{"error": errorBody{Code: ae.Code, Message: ae.Message}}
	for k, v := range extra {
		body[k] = v
	}
	return s.data(body)
}

func (s *sseWriter) done() error {
	return s.raw("[DONE]")
}

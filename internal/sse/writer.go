package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// WriteMessage writes a SSE message to the response writer
func WriteMessage(w http.ResponseWriter, flusher http.Flusher, data any) error {
	return WriteEvent(w, flusher, "", data)
}

// WriteEvent writes a named SSE event. An empty name writes a plain message.
func WriteEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", jsonData)
	if _, err := w.Write([]byte(b.String())); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}

// WriteComment writes a comment line, used as a keep-alive
func WriteComment(w http.ResponseWriter, flusher http.Flusher, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: status\n" +
		"id: 1\n" +
		"data: {\"status\":\"pending\"}\n\n" +
		"retry: 3000\n" +
		"data: line one\n" +
		"data: line two\n\n" +
		"event: ignored\n\n" +
		"data: partial"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Event{ID: "1", Event: "status", Data: `{"status":"pending"}`}, ev)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", ev.Data)
	assert.Equal(t, 3000, ev.Retry)
	assert.Empty(t, ev.Event)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()

	require.NoError(t, WriteComment(rec, rec, "ping"))
	require.NoError(t, WriteMessage(rec, rec, map[string]string{"status": "scanned"}))
	require.NoError(t, WriteEvent(rec, rec, "fallback", map[string]string{"reason": "closing"}))
	assert.True(t, rec.Flushed)

	r := NewReader(rec.Body)

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"status":"scanned"}`, ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "fallback", ev.Event)
	assert.JSONEq(t, `{"reason":"closing"}`, ev.Data)
}

func TestWriteMessageMarshalError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := WriteMessage(rec, rec, make(chan int))
	assert.Error(t, err)
	assert.Empty(t, rec.Body.String())
}

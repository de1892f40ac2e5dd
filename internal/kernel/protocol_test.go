package kernel

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloimcx/sandbox-mcp/internal/types"
)

func TestAdapterConsume(t *testing.T) {
	t.Run("stream messages become text events in order", func(t *testing.T) {
		a := &adapter{execID: "exec-1"}

		events, done := a.consume(message{ID: "exec-1", Type: msgStream, Name: "stdout", Text: "first\n"})
		require.False(t, done)
		require.Len(t, events, 1)
		assert.Equal(t, types.TextEvent("first\n"), events[0])

		events, done = a.consume(message{ID: "exec-1", Type: msgStream, Name: "stderr", Text: "second\n"})
		require.False(t, done)
		require.Len(t, events, 1)
		assert.Equal(t, "second\n", events[0].Text)
	})

	t.Run("idle status ends the execution", func(t *testing.T) {
		a := &adapter{execID: "exec-1"}
		events, done := a.consume(message{ID: "exec-1", Type: msgStatus, State: stateIdle})
		assert.True(t, done)
		assert.Empty(t, events)
	})

	t.Run("messages from other executions are discarded", func(t *testing.T) {
		a := &adapter{execID: "exec-2"}

		events, done := a.consume(message{ID: "exec-1", Type: msgStream, Text: "stale output"})
		assert.False(t, done)
		assert.Empty(t, events)

		// A stale idle must not end the current execution either.
		_, done = a.consume(message{ID: "exec-1", Type: msgStatus, State: stateIdle})
		assert.False(t, done)
	})

	t.Run("error message carries summary and verbatim traceback", func(t *testing.T) {
		a := &adapter{execID: "exec-1"}
		tb := []string{"Traceback (most recent call last):", `  File "<string>", line 1`, "ZeroDivisionError: division by zero"}

		events, done := a.consume(message{
			ID: "exec-1", Type: msgError,
			Ename: "ZeroDivisionError", Evalue: "division by zero", Traceback: tb,
		})
		require.False(t, done)
		require.Len(t, events, 1)
		assert.Equal(t, types.EventError, events[0].Type)
		assert.Equal(t, "ZeroDivisionError: division by zero", events[0].Message)
		assert.Equal(t, tb, events[0].Traceback)
	})

	t.Run("error without value falls back to the exception name", func(t *testing.T) {
		a := &adapter{execID: "exec-1"}
		events, _ := a.consume(message{ID: "exec-1", Type: msgError, Ename: "KeyboardInterrupt"})
		require.Len(t, events, 1)
		assert.Equal(t, "KeyboardInterrupt", events[0].Message)
	})

	t.Run("empty stream text is dropped", func(t *testing.T) {
		a := &adapter{execID: "exec-1"}
		events, _ := a.consume(message{ID: "exec-1", Type: msgStream, Text: ""})
		assert.Empty(t, events)
	})
}

// Minimal valid PNG header plus IHDR start, enough for format sniffing.
var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestDisplayEvent(t *testing.T) {
	t.Run("image mime wins over text fallback", func(t *testing.T) {
		data := map[string]string{
			"image/png":  base64.StdEncoding.EncodeToString(pngBytes),
			"text/plain": "<Figure size 640x480>",
		}
		ev, ok := displayEvent(data)
		require.True(t, ok)
		assert.Equal(t, types.EventImage, ev.Type)
		assert.Equal(t, "png", ev.Format)
		assert.Equal(t, pngBytes, ev.Image)
	})

	t.Run("text result becomes a text event", func(t *testing.T) {
		ev, ok := displayEvent(map[string]string{"text/plain": "42"})
		require.True(t, ok)
		assert.Equal(t, types.TextEvent("42"), ev)
	})

	t.Run("invalid base64 image falls through to text", func(t *testing.T) {
		data := map[string]string{
			"image/png":  "%%% not base64 %%%",
			"text/plain": "fallback",
		}
		ev, ok := displayEvent(data)
		require.True(t, ok)
		assert.Equal(t, types.EventText, ev.Type)
	})

	t.Run("empty payload yields nothing", func(t *testing.T) {
		_, ok := displayEvent(map[string]string{})
		assert.False(t, ok)
	})
}

func TestImageFormatSniff(t *testing.T) {
	assert.Equal(t, "png", imageFormat(pngBytes))
	assert.Equal(t, "png", imageFormat([]byte{0x00, 0x01}))
}

package http

import (
	"encoding/base64"

	"github.com/bytedance/sonic"

	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// wireEvent serializes one output event for the stream. Stream-end markers
// carry no payload: over HTTP the end of the body is the end marker, so they
// are not serialized here.
func wireEvent(ev types.OutputEvent) ([]byte, bool) {
	switch ev.Type {
	case types.EventText:
		line, err := sonic.Marshal(map[string]string{"text": ev.Text})
		return line, err == nil
	case types.EventImage:
		line, err := sonic.Marshal(map[string]string{
			"image":  base64.StdEncoding.EncodeToString(ev.Image),
			"format": ev.Format,
		})
		return line, err == nil
	case types.EventError:
		line, err := sonic.Marshal(map[string]any{
			"error":     ev.Message,
			"traceback": ev.Traceback,
		})
		return line, err == nil
	default:
		return nil, false
	}
}

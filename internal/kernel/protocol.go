package kernel

import (
	"encoding/base64"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Wire protocol between the orchestrator and the kernel child process:
// newline-delimited JSON on the child's stdin/stdout. Every child message
// carries the id of the execution it belongs to; the readiness signal and
// other unsolicited status messages carry an empty id.

// command is a parent -> child message.
type command struct {
	Op   string `json:"op"`
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
}

const (
	opExecute  = "execute"
	opShutdown = "shutdown"
)

// message is a child -> parent message.
type message struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// type == "status"
	State string `json:"state,omitempty"`

	// type == "stream"
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`

	// type == "display_data" | "execute_result": mime type -> payload,
	// binary payloads base64-encoded.
	Data map[string]string `json:"data,omitempty"`

	// type == "error"
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

const (
	msgStatus      = "status"
	msgStream      = "stream"
	msgDisplayData = "display_data"
	msgResult      = "execute_result"
	msgError       = "error"

	stateIdle = "idle"
)

// adapter converts the raw message stream of one execution into ordered
// output events. Messages tagged with a different execution id are stale
// leftovers and are discarded, never emitted.
type adapter struct {
	execID string
}

// consume translates one raw message. done reports that the kernel returned
// to idle for this execution, which terminates the stream.
func (a *adapter) consume(msg message) (events []types.OutputEvent, done bool) {
	if msg.ID != a.execID {
		return nil, false
	}

	switch msg.Type {
	case msgStatus:
		if msg.State == stateIdle {
			return nil, true
		}

	case msgStream:
		if msg.Text != "" {
			events = append(events, types.TextEvent(msg.Text))
		}

	case msgDisplayData, msgResult:
		if ev, ok := displayEvent(msg.Data); ok {
			events = append(events, ev)
		}

	case msgError:
		summary := msg.Evalue
		if summary == "" {
			summary = msg.Ename
		} else if msg.Ename != "" {
			summary = msg.Ename + ": " + msg.Evalue
		}
		events = append(events, types.ErrorEvent(summary, msg.Traceback))
	}

	return events, false
}

// displayEvent assembles one display payload into a single event. Image mime
// types win over text/plain; unknown binary formats are sniffed.
func displayEvent(data map[string]string) (types.OutputEvent, bool) {
	for mime, payload := range data {
		if !strings.HasPrefix(mime, "image/") {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			continue
		}
		format := strings.TrimPrefix(mime, "image/")
		if format == "" {
			format = imageFormat(raw)
		}
		return types.ImageEvent(raw, format), true
	}

	if text, ok := data["text/plain"]; ok && text != "" {
		return types.TextEvent(text), true
	}
	return types.OutputEvent{}, false
}

// imageFormat sniffs the format of an untagged image payload.
func imageFormat(raw []byte) string {
	detected := mimetype.Detect(raw)
	if ext := strings.TrimPrefix(detected.Extension(), "."); ext != "" {
		return ext
	}
	return "png"
}

// Package ws streams executions over a WebSocket connection. Unlike the
// NDJSON endpoint the socket outlives a single execution, so every stream is
// closed with an explicit end frame.
package ws

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/config"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/registry"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxRequestSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades connections and runs the execute protocol.
type Handler struct {
	registry *registry.Registry
	cfg      *config.Config
	logger   *logging.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(reg *registry.Registry, cfg *config.Config, logger *logging.Logger) *Handler {
	return &Handler{registry: reg, cfg: cfg, logger: logger.Named("ws")}
}

type executeFrame struct {
	Code           string `json:"code"`
	SessionID      string `json:"session_id"`
	TimeoutSeconds int    `json:"timeout"`
}

type outFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	Image     []byte   `json:"image,omitempty"`
	Format    string   `json:"format,omitempty"`
	Error     string   `json:"error,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// Handle runs the connection loop: each inbound frame triggers one execution
// whose events stream back, terminated by an "end" frame.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestSize)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}

		var req executeFrame
		if err := sonic.Unmarshal(payload, &req); err != nil || req.Code == "" {
			if !h.send(conn, outFrame{Type: "error", Error: "invalid execute frame"}) {
				return
			}
			continue
		}

		if !h.execute(c, conn, req) {
			return
		}
	}
}

// execute runs one request and streams its events. Returns false when the
// connection is no longer usable.
func (h *Handler) execute(c *gin.Context, conn *websocket.Conn, req executeFrame) bool {
	sess, err := h.registry.CreateOrGet(c.Request.Context(), req.SessionID)
	if err != nil {
		return h.send(conn, outFrame{Type: "error", Error: err.Error()})
	}

	timeout := h.cfg.ExecutionTimeout()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	events, err := sess.Execute(c.Request.Context(), req.Code, timeout)
	if err != nil {
		return h.send(conn, outFrame{Type: "error", SessionID: sess.ID, Error: err.Error()})
	}

	for ev := range events {
		frame, ok := eventFrame(sess.ID, ev)
		if !ok {
			continue
		}
		if !h.send(conn, frame) {
			// Drain so the session's execution completes normally.
			for range events {
			}
			return false
		}
	}
	return h.send(conn, outFrame{Type: "end", SessionID: sess.ID})
}

func eventFrame(sessionID string, ev types.OutputEvent) (outFrame, bool) {
	switch ev.Type {
	case types.EventText:
		return outFrame{Type: "text", SessionID: sessionID, Text: ev.Text}, true
	case types.EventImage:
		return outFrame{Type: "image", SessionID: sessionID, Image: ev.Image, Format: ev.Format}, true
	case types.EventError:
		return outFrame{Type: "error", SessionID: sessionID, Error: ev.Message, Traceback: ev.Traceback}, true
	default:
		return outFrame{}, false
	}
}

func (h *Handler) send(conn *websocket.Conn, frame outFrame) bool {
	payload, err := sonic.Marshal(frame)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}

// Package http exposes the orchestrator over a JSON HTTP API. Execution
// results stream back as newline-delimited JSON events.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/config"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/monitoring"
	"github.com/helloimcx/sandbox-mcp/internal/registry"
	"github.com/helloimcx/sandbox-mcp/internal/types"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// Handlers serves the session and execution API.
type Handlers struct {
	registry *registry.Registry
	fetcher  *workspace.Fetcher
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	version  string
}

// NewHandlers creates the handler set.
func NewHandlers(reg *registry.Registry, fetcher *workspace.Fetcher, cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics, version string) *Handlers {
	return &Handlers{
		registry: reg,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.Named("api"),
		metrics:  metrics,
		version:  version,
	}
}

// ExecuteRequest is the execute call body.
type ExecuteRequest struct {
	Code           string `json:"code" binding:"required"`
	SessionID      string `json:"session_id"`
	TimeoutSeconds int    `json:"timeout"`
}

// Execute resolves or creates the session, runs the code and streams output
// events as NDJSON. Infrastructure failures are request-level errors;
// in-execution failures arrive inside the stream.
func (h *Handlers) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.registry.CreateOrGet(c.Request.Context(), req.SessionID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	timeout := h.cfg.ExecutionTimeout()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	start := time.Now()
	events, err := sess.Execute(c.Request.Context(), req.Code, timeout)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Session-ID", sess.ID)
	c.Status(http.StatusOK)

	status := "ok"
	for ev := range events {
		if ev.Type == types.EventError {
			status = "error"
			if errors.Is(ev.Cause, types.ErrExecutionTimeout) {
				status = "timeout"
			}
		}
		line, ok := wireEvent(ev)
		if !ok {
			continue
		}
		if _, err := c.Writer.Write(append(line, '\n')); err != nil {
			status = "abandoned"
			break
		}
		c.Writer.Flush()
	}

	if h.metrics != nil {
		h.metrics.RecordExecution(status, time.Since(start))
	}
}

// ListSessions returns summaries of all live sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	summaries := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": summaries,
		"total":    len(summaries),
	})
}

// TerminateSession stops a session and releases its resources.
func (h *Handlers) TerminateSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Terminate(c.Request.Context(), id); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session " + id + " terminated"})
}

// InterruptSession interrupts a running execution without tearing the
// session down.
func (h *Handlers) InterruptSession(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if err := sess.Interrupt(); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session " + sess.ID + " interrupted"})
}

// NetworkStatus returns the session's policy snapshot for diagnostics.
func (h *Handlers) NetworkStatus(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Policy().Status())
}

// ListFiles lists workspace files, optionally filtered by a glob pattern.
func (h *Handlers) ListFiles(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	files, err := workspace.NewFiles(sess.Workspace).List(c.Query("pattern"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "total": len(files)})
}

// UploadFile stores a multipart upload in the session workspace.
func (h *Handlers) UploadFile(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' required"})
		return
	}
	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()

	info, err := workspace.NewFiles(sess.Workspace).Save(header.Filename, src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

// FetchRequest is the fetch-into-workspace call body.
type FetchRequest struct {
	URL string `json:"url" binding:"required"`
}

// FetchFile downloads a URL into the session workspace, subject to the
// session's network policy.
func (h *Handlers) FetchFile(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.fetcher.Fetch(c.Request.Context(), req.URL, workspace.NewFiles(sess.Workspace), sess.Policy())
	if err != nil {
		if errors.Is(err, types.ErrNetworkAccess) {
			h.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

// DownloadFile streams a workspace file back to the caller.
func (h *Handlers) DownloadFile(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	file, err := workspace.NewFiles(sess.Workspace).Open(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	defer file.Close()
	c.File(file.Name())
}

// Health reports process-wide readiness.
func (h *Handlers) Health(c *gin.Context) {
	uptime := 0
	if h.metrics != nil {
		uptime = int(h.metrics.Uptime().Seconds())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         h.version,
		"active_sessions": len(h.registry.List()),
		"uptime_seconds":  uptime,
	})
}

// abortWithError maps the error taxonomy onto HTTP status codes.
func (h *Handlers) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrResourceExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, types.ErrNetworkAccess):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrKernelStartup), errors.Is(err, types.ErrKernelDied):
		status = http.StatusBadGateway
	case errors.Is(err, types.ErrConfiguration):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

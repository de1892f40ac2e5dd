package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/monitoring"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Reaper periodically evicts idle-expired and dead sessions. It runs off the
// request path; terminate is idempotent, so an overlapping sweep or a racing
// explicit terminate cannot double-release a session.
type Reaper struct {
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
	logger      *logging.Logger
	metrics     *monitoring.Metrics
}

// NewReaper creates a cleanup scheduler for the registry.
func NewReaper(registry *Registry, interval, idleTimeout time.Duration, logger *logging.Logger) *Reaper {
	return &Reaper{
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
		logger:      logger.Named("reaper"),
	}
}

// WithMetrics attaches a metrics collector.
func (rp *Reaper) WithMetrics(m *monitoring.Metrics) *Reaper {
	rp.metrics = m
	return rp
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep evicts every session that is dead or has been idle past the timeout.
// Sessions in Starting, Executing or Terminating are never touched.
func (rp *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, summary := range rp.registry.List() {
		var reason string
		switch summary.State {
		case types.StateDead:
			reason = "dead"
		case types.StateIdle:
			if now.Sub(summary.LastActivity) >= rp.idleTimeout {
				reason = "idle"
			}
		}
		if reason == "" {
			continue
		}

		if err := rp.registry.Terminate(ctx, summary.ID); err != nil {
			continue // already gone; another sweep or caller won the race
		}
		rp.logger.Info("session reaped",
			zap.String("session_id", summary.ID),
			zap.String("reason", reason),
		)
		if rp.metrics != nil {
			rp.metrics.SessionsReaped.WithLabelValues(reason).Inc()
		}
	}
}

// Package registry owns the map from session id to live kernel session and
// enforces the global concurrent-session quota. It is the only state shared
// across concurrent requests.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/monitoring"
	"github.com/helloimcx/sandbox-mcp/internal/netpolicy"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Worker is the kernel process handle a session owns. kernel.Worker is the
// production implementation; tests substitute fakes.
type Worker interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (<-chan types.OutputEvent, error)
	Interrupt() error
	Terminate(ctx context.Context) error
	State() types.SessionState
	Dead() <-chan struct{}
}

// WorkerFactory starts the kernel worker for a new session. workspace is the
// session's working directory, proxyAddr its egress proxy, policy its
// immutable network policy snapshot.
type WorkerFactory func(ctx context.Context, id, workspace, proxyAddr string, policy netpolicy.Policy) (Worker, error)

// Session binds one kernel worker, its immutable network policy snapshot and
// its workspace directory under a caller-addressable id.
type Session struct {
	ID        string
	CreatedAt time.Time
	Workspace string

	policy netpolicy.Policy
	worker Worker
	proxy  *netpolicy.Proxy

	lastActivity atomic.Int64 // unix nanos
	executions   atomic.Int64

	ready    chan struct{}
	startErr error
}

// Policy returns the session's immutable policy snapshot.
func (s *Session) Policy() netpolicy.Policy { return s.policy }

// State reports the worker lifecycle state.
func (s *Session) State() types.SessionState {
	if s.worker == nil {
		return types.StateStarting
	}
	return s.worker.State()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Execute runs code on the session's kernel. The returned stream is ordered
// and single-consumer; last activity is updated both when the execution
// starts and when its stream finishes.
func (s *Session) Execute(ctx context.Context, code string, timeout time.Duration) (<-chan types.OutputEvent, error) {
	events, err := s.worker.Execute(ctx, code, timeout)
	if err != nil {
		return nil, err
	}
	s.touch()
	s.executions.Add(1)

	tapped := make(chan types.OutputEvent, 16)
	go func() {
		defer close(tapped)
		defer s.touch()
		for ev := range events {
			select {
			case tapped <- ev:
			case <-ctx.Done():
				// Keep draining so the worker can release its slot.
			}
		}
	}()
	return tapped, nil
}

// Interrupt signals the kernel without tearing the session down.
func (s *Session) Interrupt() error {
	s.touch()
	return s.worker.Interrupt()
}

// Summary returns the read-only view for list operations.
func (s *Session) Summary() types.SessionSummary {
	return types.SessionSummary{
		ID:           s.ID,
		State:        s.State(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Executions:   s.executions.Load(),
	}
}

// Registry is the session table plus quota admission.
type Registry struct {
	maxSessions   int
	workspaceRoot string
	policy        netpolicy.Policy
	factory       WorkerFactory
	logger        *logging.Logger
	metrics       *monitoring.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Registry. The policy is snapshotted into each session at
// creation time.
func New(maxSessions int, workspaceRoot string, policy netpolicy.Policy, factory WorkerFactory, logger *logging.Logger) *Registry {
	return &Registry{
		maxSessions:   maxSessions,
		workspaceRoot: workspaceRoot,
		policy:        policy,
		factory:       factory,
		logger:        logger.Named("registry"),
		sessions:      make(map[string]*Session),
	}
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *monitoring.Metrics) *Registry {
	r.metrics = m
	return r
}

// CreateOrGet resolves an existing live session or admits a new one. The
// quota check and the map insert happen in one critical section, so the
// configured maximum can never be exceeded under concurrent creates. A dead
// session found under the requested id is removed and reported as
// ErrKernelDied; recreation is the caller's next call, never implicit.
func (r *Registry) CreateOrGet(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	if id != "" {
		if sess, ok := r.sessions[id]; ok {
			r.mu.Unlock()
			if err := r.awaitReady(ctx, sess); err != nil {
				return nil, err
			}
			if sess.State() == types.StateDead {
				r.Terminate(context.Background(), id)
				return nil, types.ErrKernelDied
			}
			sess.touch()
			return sess, nil
		}
	}

	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, types.ErrResourceExhausted
	}

	if id == "" {
		id = uuid.NewString()
	}
	sess := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		Workspace: filepath.Join(r.workspaceRoot, id),
		policy:    r.policy,
		ready:     make(chan struct{}),
	}
	sess.touch()
	// Reserve the quota slot before the slow kernel startup; the entry is
	// visible immediately so concurrent creators share the same session.
	r.sessions[id] = sess
	r.mu.Unlock()

	if err := r.start(ctx, sess); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
		r.metrics.SessionsActive.Set(float64(r.count()))
	}
	r.logger.Info("session created", zap.String("session_id", id))
	return sess, nil
}

// start provisions workspace, egress proxy and kernel worker. Partial
// resources are released on failure.
func (r *Registry) start(ctx context.Context, sess *Session) (err error) {
	defer func() {
		sess.startErr = err
		close(sess.ready)
	}()

	if err := os.MkdirAll(sess.Workspace, 0o755); err != nil {
		return fmt.Errorf("%w: workspace: %v", types.ErrKernelStartup, err)
	}

	proxyOpts := []netpolicy.ProxyOption{}
	if r.metrics != nil {
		proxyOpts = append(proxyOpts, netpolicy.WithBlockHook(func(string) {
			r.metrics.NetworkBlocked.Inc()
		}))
	}
	proxy := netpolicy.NewProxy(sess.policy, r.logger, proxyOpts...)
	if err := proxy.Start(); err != nil {
		os.RemoveAll(sess.Workspace)
		return err
	}
	sess.proxy = proxy

	worker, err := r.factory(ctx, sess.ID, sess.Workspace, proxy.Addr(), sess.policy)
	if err != nil {
		proxy.Close()
		os.RemoveAll(sess.Workspace)
		return err
	}
	sess.worker = worker
	return nil
}

// awaitReady blocks until the session's kernel startup finished, so a second
// caller arriving mid-startup observes the same outcome as the creator.
func (r *Registry) awaitReady(ctx context.Context, sess *Session) error {
	select {
	case <-sess.ready:
		return sess.startErr
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrKernelStartup, ctx.Err())
	}
}

// Get resolves an existing session without creating one.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return sess, nil
}

// Terminate stops the session's kernel, removes the entry and releases the
// quota slot synchronously before returning. Idempotent: concurrent calls
// for the same id race on the map delete and the loser gets
// ErrSessionNotFound.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return types.ErrSessionNotFound
	}

	<-sess.ready // never tear down a half-started session

	if sess.worker != nil {
		sess.worker.Terminate(ctx)
	}
	if sess.proxy != nil {
		sess.proxy.Close()
	}
	os.RemoveAll(sess.Workspace)

	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(r.count()))
	}
	r.logger.Info("session terminated", zap.String("session_id", id))
	return nil
}

// List returns summaries of all sessions, oldest first. Safe to call
// concurrently with everything else.
func (r *Registry) List() []types.SessionSummary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	summaries := make([]types.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		select {
		case <-sess.ready:
		default:
			// Still starting; report it as such rather than block the list.
		}
		summaries = append(summaries, sess.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Close terminates every session; used at shutdown.
func (r *Registry) Close(ctx context.Context) {
	for _, summary := range r.List() {
		r.Terminate(ctx, summary.ID)
	}
}

func (r *Registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

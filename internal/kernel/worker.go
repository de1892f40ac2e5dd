// Package kernel owns the long-lived external execution process behind one
// session: process lifecycle, the at-most-one in-flight execution slot,
// interrupt and force-kill on timeout, and crash detection.
package kernel

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/netpolicy"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

//go:embed bootstrap.py
var bootstrapSource string

// Kernel messages can carry whole base64 images on one line.
const maxLineBytes = 32 << 20

// Options configures a Worker.
type Options struct {
	PythonPath     string
	Workspace      string           // working directory for executed code
	ProxyAddr      string           // egress proxy, e.g. "127.0.0.1:43501"
	Policy         netpolicy.Policy // session policy, mirrored into the child's socket guard
	StartupTimeout time.Duration    // readiness deadline
	InterruptGrace time.Duration    // wait after interrupt before force kill
	Logger         *logging.Logger
	OnDeath        func() // invoked once if the process dies outside Terminate
}

// Worker owns exactly one kernel child process. It is exclusively owned by
// its session and never shared; Execute is serialized by the execution slot.
type Worker struct {
	id   string
	opts Options
	log  *logging.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	raw  chan message
	dead chan struct{}

	deadOnce   sync.Once
	terminated atomic.Bool
	slot       atomic.Bool

	stateMu sync.RWMutex
	state   types.SessionState
}

// Start launches the kernel process and waits for its readiness signal.
// On any failure the process is reaped; no partial resources leak.
func Start(ctx context.Context, id string, opts Options) (*Worker, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	w := &Worker{
		id:    id,
		opts:  opts,
		log:   opts.Logger.Named("kernel"),
		raw:   make(chan message, 64),
		dead:  make(chan struct{}),
		state: types.StateStarting,
	}

	cmd := exec.Command(opts.PythonPath, "-u", "-c", bootstrapSource)
	cmd.Dir = opts.Workspace
	cmd.Env = kernelEnv(opts.ProxyAddr, opts.Policy)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", types.ErrKernelStartup, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", types.ErrKernelStartup, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", types.ErrKernelStartup, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKernelStartup, err)
	}
	w.cmd = cmd
	w.stdin = stdin

	go w.readLoop(stdout)
	go w.logStderr(stderr)
	go func() {
		cmd.Wait()
		w.markDead()
	}()

	if err := w.awaitReady(ctx); err != nil {
		w.kill()
		return nil, err
	}

	w.setState(types.StateIdle)
	w.log.Info("kernel ready",
		zap.String("session_id", id),
		zap.Int("pid", cmd.Process.Pid),
	)
	return w, nil
}

// guardConfig is the policy snapshot handed to the child's socket guard. The
// proxy endpoint is named so the guard keeps it reachable.
type guardConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowedDomains []string `json:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains"`
	ProxyHost      string   `json:"proxy_host"`
	ProxyPort      int      `json:"proxy_port"`
}

// kernelEnv forces all child traffic through the session's egress proxy, and
// mirrors the policy into SANDBOX_NETWORK_POLICY so the child's socket guard
// stops raw connections that never consult the proxy variables. NO_PROXY is
// cleared deliberately so loopback is not a bypass.
func kernelEnv(proxyAddr string, policy netpolicy.Policy) []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env,
		"PYTHONUNBUFFERED=1",
		"MPLBACKEND=Agg",
	)
	if proxyAddr != "" {
		proxyURL := "http://" + proxyAddr
		env = append(env,
			"HTTP_PROXY="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
			"http_proxy="+proxyURL,
			"https_proxy="+proxyURL,
			"NO_PROXY=",
			"no_proxy=",
		)
	}

	guard := guardConfig{
		Enabled:        policy.Enabled,
		AllowedDomains: policy.AllowedDomains,
		BlockedDomains: policy.BlockedDomains,
	}
	if host, port, err := net.SplitHostPort(proxyAddr); err == nil {
		guard.ProxyHost = host
		guard.ProxyPort, _ = strconv.Atoi(port)
	}
	if raw, err := sonic.Marshal(guard); err == nil {
		env = append(env, "SANDBOX_NETWORK_POLICY="+string(raw))
	}
	return env
}

func (w *Worker) awaitReady(ctx context.Context) error {
	deadline := time.NewTimer(w.opts.StartupTimeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-w.raw:
			if msg.Type == msgStatus && msg.State == stateIdle {
				return nil
			}
		case <-w.dead:
			return fmt.Errorf("%w: process exited before readiness", types.ErrKernelStartup)
		case <-deadline.C:
			return fmt.Errorf("%w: no readiness within %s", types.ErrKernelStartup, w.opts.StartupTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrKernelStartup, ctx.Err())
		}
	}
}

func (w *Worker) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var msg message
		if err := sonic.Unmarshal(scanner.Bytes(), &msg); err != nil {
			w.log.Warn("unparseable kernel message", zap.Error(err))
			continue
		}
		select {
		case w.raw <- msg:
		case <-w.dead:
			return
		}
	}
}

func (w *Worker) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		w.log.Debug("kernel stderr", zap.String("line", scanner.Text()))
	}
}

// Execute submits code and returns a live, ordered, single-consumer stream of
// output events terminated by a StreamEnd event. The session must be idle:
// a concurrent call fails immediately with ErrSessionBusy. Cancelling ctx
// (caller abandoned the stream) triggers the same interrupt path as a
// timeout.
func (w *Worker) Execute(ctx context.Context, code string, timeout time.Duration) (<-chan types.OutputEvent, error) {
	if w.State() == types.StateDead {
		return nil, types.ErrKernelDied
	}
	if !w.slot.CompareAndSwap(false, true) {
		return nil, types.ErrSessionBusy
	}

	execID := uuid.NewString()
	w.setState(types.StateExecuting)

	if err := w.send(command{Op: opExecute, ID: execID, Code: code}); err != nil {
		w.slot.Store(false)
		w.markDead()
		return nil, fmt.Errorf("%w: submit failed: %v", types.ErrKernelDied, err)
	}

	out := make(chan types.OutputEvent, 16)
	go w.pump(ctx, execID, timeout, out)
	return out, nil
}

// pump drives one execution: it translates raw messages until the kernel
// returns to idle, enforcing the timeout and the cancellation path.
func (w *Worker) pump(ctx context.Context, execID string, timeout time.Duration, out chan<- types.OutputEvent) {
	a := &adapter{execID: execID}
	timer := time.NewTimer(timeout)

	defer func() {
		timer.Stop()
		close(out)
		w.slot.Store(false)
		if w.State() == types.StateExecuting {
			w.setState(types.StateIdle)
		}
	}()

	for {
		select {
		case msg := <-w.raw:
			events, done := a.consume(msg)
			for _, ev := range events {
				if !w.emit(ctx, out, ev) {
					w.abort(a)
					return
				}
			}
			if done {
				w.emit(ctx, out, types.EndEvent())
				return
			}

		case <-timer.C:
			w.abort(a)
			w.emit(ctx, out, types.FailureEvent(types.ErrExecutionTimeout))
			w.emit(ctx, out, types.EndEvent())
			return

		case <-ctx.Done():
			w.abort(a)
			return

		case <-w.dead:
			w.emit(ctx, out, types.FailureEvent(types.ErrKernelDied))
			w.emit(ctx, out, types.EndEvent())
			return
		}
	}
}

// abort interrupts the running execution and waits out the grace window for
// the kernel to come back to idle. If it does not, the process is killed and
// the session is marked dead.
func (w *Worker) abort(a *adapter) {
	w.Interrupt()

	grace := time.NewTimer(w.opts.InterruptGrace)
	defer grace.Stop()

	for {
		select {
		case msg := <-w.raw:
			if _, done := a.consume(msg); done {
				return
			}
		case <-grace.C:
			w.log.Warn("kernel unresponsive after interrupt, killing",
				zap.String("session_id", w.id))
			w.kill()
			w.markDead()
			return
		case <-w.dead:
			return
		}
	}
}

// emit delivers an event without wedging on an abandoned consumer.
func (w *Worker) emit(ctx context.Context, out chan<- types.OutputEvent, ev types.OutputEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Interrupt sends SIGINT to the kernel process.
func (w *Worker) Interrupt() error {
	if w.cmd == nil || w.cmd.Process == nil {
		return types.ErrKernelDied
	}
	return w.cmd.Process.Signal(os.Interrupt)
}

// Terminate shuts the kernel down: graceful shutdown command, then interrupt,
// then force kill after the grace window. The process handle is reaped on
// every path.
func (w *Worker) Terminate(ctx context.Context) error {
	w.terminated.Store(true)
	w.setState(types.StateTerminating)

	defer func() {
		w.kill()
		w.markDead()
	}()

	w.send(command{Op: opShutdown})
	w.writeMu.Lock()
	w.stdin.Close()
	w.writeMu.Unlock()

	select {
	case <-w.dead:
		return nil
	case <-time.After(w.opts.InterruptGrace):
	case <-ctx.Done():
	}

	w.Interrupt()
	select {
	case <-w.dead:
		return nil
	case <-time.After(w.opts.InterruptGrace):
	case <-ctx.Done():
	}
	// kill happens in the deferred cleanup
	return nil
}

// State returns the current lifecycle state.
func (w *Worker) State() types.SessionState {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

// Dead is closed once the kernel process has exited.
func (w *Worker) Dead() <-chan struct{} {
	return w.dead
}

func (w *Worker) setState(s types.SessionState) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

func (w *Worker) send(cmd command) error {
	data, err := sonic.Marshal(cmd)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err = w.stdin.Write(append(data, '\n'))
	return err
}

func (w *Worker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
}

func (w *Worker) markDead() {
	w.deadOnce.Do(func() {
		w.setState(types.StateDead)
		close(w.dead)
		if !w.terminated.Load() {
			w.log.Warn("kernel process died", zap.String("session_id", w.id))
			if w.opts.OnDeath != nil {
				w.opts.OnDeath()
			}
		}
	})
}

package types

import "errors"

// Failure taxonomy shared across the orchestrator. Request-level failures
// (quota, lookup, admission, startup, config) are returned to the caller as
// errors; in-execution failures travel inside the output stream instead.
var (
	// ErrResourceExhausted is returned when the concurrent-session quota is
	// reached at creation time.
	ErrResourceExhausted = errors.New("maximum concurrent sessions reached")

	// ErrSessionNotFound is returned for operations on unknown or removed ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned when an execute call races an in-flight
	// execution on the same session. There is no implicit queueing.
	ErrSessionBusy = errors.New("session is busy with another execution")

	// ErrExecutionTimeout marks an execution that did not complete within its
	// deadline.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrKernelDied marks a session whose kernel process exited unexpectedly
	// or had to be force-killed. The session is unusable until recreated.
	ErrKernelDied = errors.New("kernel process died")

	// ErrKernelStartup is returned when the kernel process never signals
	// readiness within the startup timeout.
	ErrKernelStartup = errors.New("kernel failed to start")

	// ErrNetworkAccess is raised at the point of a blocked network operation.
	ErrNetworkAccess = errors.New("network access denied")

	// ErrConfiguration is returned for malformed domain lists or invalid
	// numeric settings, detected eagerly at startup.
	ErrConfiguration = errors.New("invalid configuration")
)

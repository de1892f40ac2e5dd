// Package main is the entry point for the sandbox execution server.
//
// The server runs untrusted Python code in isolated kernel subprocesses,
// one per session. Output streams back to clients as NDJSON events, and a
// per-session egress proxy enforces the configured network policy.
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional YAML file via -config
//   - Defaults suitable for local development
//
// Usage:
//
//	./server -config config.yaml
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown; live sessions are terminated
package main

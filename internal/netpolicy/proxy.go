package netpolicy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Proxy is a per-session egress gateway. Kernel processes are launched with
// HTTP_PROXY/HTTPS_PROXY pointing at it, so every outbound connection from
// executed code passes the session's policy exactly once, at connection
// establishment. It listens on a loopback port picked by the OS.
type Proxy struct {
	policy Policy
	logger *logging.Logger

	dialTimeout time.Duration
	onBlock     func(host string)

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// ProxyOption customizes a Proxy.
type ProxyOption func(*Proxy)

// WithBlockHook registers a callback invoked for every blocked host.
func WithBlockHook(hook func(host string)) ProxyOption {
	return func(p *Proxy) { p.onBlock = hook }
}

// NewProxy creates an egress proxy bound to the given policy snapshot.
func NewProxy(policy Policy, logger *logging.Logger, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		policy:      policy,
		logger:      logger,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start binds the proxy to a loopback port and begins serving.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}

	p.mu.Lock()
	p.listener = ln
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := p.server
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Warn("egress proxy stopped", zap.Error(err))
		}
	}()

	p.logger.Debug("egress proxy started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the proxy's listen address, e.g. "127.0.0.1:43501".
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Close shuts the proxy down and severs any open tunnels.
func (p *Proxy) Close() error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Policy returns the immutable policy snapshot this proxy enforces.
func (p *Proxy) Policy() Policy {
	return p.policy
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

// handleConnect tunnels TLS and raw TCP. The policy check happens before the
// upstream dial; a blocked host never sees a connection attempt.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port := splitHostPort(r.Host, "443")
	if p.policy.Decide(host) != Allow {
		p.block(w, host)
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), p.dialTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream dial failed: %v", err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go splice(upstream, client)
	splice(client, upstream)
}

// handleForward proxies plain HTTP requests (absolute-URI form).
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute URI", http.StatusBadRequest)
		return
	}

	host := r.URL.Hostname()
	if p.policy.Decide(host) != Allow {
		p.block(w, host)
		return
	}

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	removeHopHeaders(outbound.Header)

	resp, err := http.DefaultTransport.RoundTrip(outbound)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// block surfaces a policy denial as an explicit error response so the code
// inside the kernel observes a hard failure, never a silent no-op.
func (p *Proxy) block(w http.ResponseWriter, host string) {
	p.logger.Warn("network access blocked", zap.String("host", host))
	if p.onBlock != nil {
		p.onBlock(host)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `{"error":%q,"host":%q}`, types.ErrNetworkAccess.Error(), host)
}

func splice(dst, src net.Conn) {
	defer dst.Close()
	defer src.Close()
	io.Copy(dst, src)
}

func splitHostPort(hostport, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return host, port
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, key := range hopHeaders {
		h.Del(key)
	}
	for _, value := range strings.Split(h.Get("Connection"), ",") {
		if name := strings.TrimSpace(value); name != "" {
			h.Del(name)
		}
	}
}

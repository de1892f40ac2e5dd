// Package server assembles the HTTP surface: router, middleware, routes and
// the lifecycle of the session registry and its cleanup loop.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	api "github.com/helloimcx/sandbox-mcp/internal/api/http"
	"github.com/helloimcx/sandbox-mcp/internal/api/middleware"
	"github.com/helloimcx/sandbox-mcp/internal/api/ws"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/config"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/monitoring"
	"github.com/helloimcx/sandbox-mcp/internal/kernel"
	"github.com/helloimcx/sandbox-mcp/internal/netpolicy"
	"github.com/helloimcx/sandbox-mcp/internal/registry"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const shutdownGrace = 15 * time.Second

// Server wires the registry, reaper and HTTP server together.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	registry *registry.Registry
	reaper   *registry.Reaper
	http     *http.Server

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	factory := func(ctx context.Context, id, workspace, proxyAddr string, policy netpolicy.Policy) (registry.Worker, error) {
		return kernel.Start(ctx, id, kernel.Options{
			PythonPath:     cfg.Kernel.PythonPath,
			Workspace:      workspace,
			ProxyAddr:      proxyAddr,
			Policy:         policy,
			StartupTimeout: cfg.StartupTimeout(),
			InterruptGrace: cfg.InterruptGrace(),
			Logger:         logger,
			OnDeath:        func() { metrics.KernelDeaths.Inc() },
		})
	}

	reg := registry.New(
		cfg.Sessions.MaxConcurrentSessions,
		cfg.Kernel.WorkspaceRoot,
		cfg.Policy(),
		factory,
		logger,
	).WithMetrics(metrics)

	reaper := registry.NewReaper(reg, cfg.CleanupInterval(), cfg.IdleTimeout(), logger).
		WithMetrics(metrics)

	router := buildRouter(cfg, logger, metrics, reg)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		metrics:  metrics,
		registry: reg,
		reaper:   reaper,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics, reg *registry.Registry) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS())
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}

	fetcher := workspace.NewFetcher(cfg.ExecutionTimeout())
	handlers := api.NewHandlers(reg, fetcher, cfg, logger, metrics, Version)
	wsHandler := ws.NewHandler(reg, cfg, logger)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", handlers.Health)
		apiGroup.POST("/execute", handlers.Execute)

		apiGroup.GET("/sessions", handlers.ListSessions)
		apiGroup.DELETE("/sessions/:id", handlers.TerminateSession)
		apiGroup.POST("/sessions/:id/interrupt", handlers.InterruptSession)
		apiGroup.GET("/sessions/:id/network", handlers.NetworkStatus)

		apiGroup.GET("/sessions/:id/files", handlers.ListFiles)
		apiGroup.POST("/sessions/:id/files", handlers.UploadFile)
		apiGroup.POST("/sessions/:id/files/fetch", handlers.FetchFile)
		apiGroup.GET("/sessions/:id/files/:name", handlers.DownloadFile)
	}

	router.GET("/stream", wsHandler.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// Run serves until the listener closes. The listener caps concurrent
// connections so a flood of slow clients cannot exhaust file descriptors.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.http.Addr, err)
	}
	if s.cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConnections)
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	s.reaperDone = make(chan struct{})
	go func() {
		defer close(s.reaperDone)
		s.reaper.Run(reaperCtx)
	}()

	s.logger.Info("listening",
		zap.String("addr", s.http.Addr),
		zap.String("version", Version),
		zap.Int("max_sessions", s.cfg.Sessions.MaxConcurrentSessions),
	)
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, stops the reaper and terminates every
// live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	if s.reaperCancel != nil {
		s.reaperCancel()
		<-s.reaperDone
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)

	s.registry.Close(shutdownCtx)
	s.logger.Sync()
	return err
}

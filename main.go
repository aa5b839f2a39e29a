package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip"

	"monsterhunt/arengine/internal/auth"
	"monsterhunt/arengine/internal/bridge"
	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/config"
	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/feed"
	"monsterhunt/arengine/internal/httpapi"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/replay"
)

const (
	shutdownGrace = 10 * time.Second
	traceSweep    = time.Hour
)

// engine owns every long-lived component of the running process.
type engine struct {
	cfg     *config.Config
	log     *logging.Logger
	started time.Time

	stream  *events.Stream
	issuer  *auth.Issuer
	bridge  *bridge.Handler
	cleaner *replay.Cleaner
	handler http.Handler

	mu         sync.Mutex
	startupErr error
}

func newEngine(cfg *config.Config, logger *logging.Logger) (*engine, error) {
	if logger == nil {
		logger = logging.L()
	}
	e := &engine{cfg: cfg, log: logger, started: time.Now()}

	//1.- Core services: the observer log, the identity issuer and the socket bridge.
	e.stream = events.NewStream(events.Config{})
	issuer, err := auth.NewIssuer(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("auth issuer: %w", err)
	}
	if cfg.JWTSecret == "" {
		logger.Warn("ARHUNT_JWT_SECRET not set; tokens will not survive a restart")
	}
	e.issuer = issuer
	e.bridge, err = bridge.NewHandler(cfg,
		bridge.WithAuthenticator(issuer),
		bridge.WithStream(e.stream),
		bridge.WithLogger(logger.With(logging.Component("bridge"))),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if cfg.Trace.Dir != "" {
		e.cleaner = replay.NewCleaner(cfg.Trace.Dir, replay.RetentionPolicy{
			MaxSessions: cfg.Trace.MaxSessions,
			MaxAge:      cfg.Trace.MaxAge,
		}, logger.With(logging.Component("trace_cleaner")))
	}

	//2.- HTTP surface: operational endpoints plus the WebSocket upgrade.
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger.With(logging.Component("http")),
		Readiness:   e,
		Sessions:    e.bridge,
		Issuer:      issuer,
		Players:     issuer,
		Spawner:     catalog.NewSpawner(),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.AuthWindow, cfg.AuthBurst, nil),
		TraceStats:  e.cleaner.Stats,
		SensorDrops: e.bridge.Drops,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/ws", e.bridge)
	e.handler = logging.HTTPTraceMiddleware(logger)(mux)
	return e, nil
}

// StartupError reports a failure that makes the engine unready.
func (e *engine) StartupError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startupErr
}

// Uptime reports how long the engine has been running.
func (e *engine) Uptime() time.Duration {
	return time.Since(e.started)
}

func (e *engine) fail(err error) {
	e.mu.Lock()
	if e.startupErr == nil {
		e.startupErr = err
	}
	e.mu.Unlock()
}

// serve runs every listener until ctx is cancelled, then drains them in dependency order.
func (e *engine) serve(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", e.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Address, err)
	}
	server := &http.Server{
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if e.cfg.GRPCAddress != "" {
		opts, err := feed.ServerOptions(e.cfg, e.log)
		if err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("feed security: %w", err)
		}
		grpcListener, err = net.Listen("tcp", e.cfg.GRPCAddress)
		if err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("listen %s: %w", e.cfg.GRPCAddress, err)
		}
		grpcServer = grpc.NewServer(opts...)
		feed.Register(grpcServer, feed.NewService(e.stream, feed.WithLogger(e.log.With(logging.Component("feed")))))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	if e.cleaner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.cleaner.Run(runCtx, traceSweep)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.log.Info("encounter engine listening",
			logging.String("url", listenerURL(httpListener.Addr().String(), false)),
			logging.String("ws", websocketURL(httpListener.Addr().String(), false)),
		)
		if err := server.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.fail(err)
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	if grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.log.Info("encounter feed listening", logging.String("address", grpcListener.Addr().String()))
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				e.fail(err)
				errs <- fmt.Errorf("feed server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		e.log.Info("shutdown requested")
	case serveErr = <-errs:
		e.log.Error("listener failed", logging.Error(serveErr))
	}

	//1.- Stop accepting sockets, then close live sessions so their traces flush.
	shutdownCtx, release := context.WithTimeout(context.Background(), shutdownGrace)
	defer release()
	if err := server.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("http shutdown incomplete", logging.Error(err))
	}
	e.bridge.Shutdown()
	//2.- Closing the stream ends every Watch, which lets GracefulStop return.
	e.stream.Close()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	cancel()
	wg.Wait()
	return serveErr
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	e, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.serve(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arengine: %v\n", err)
		os.Exit(1)
	}
}

// File: server/run.go
// Package server implements the startup, reactor loop and graceful
// shutdown of the miniftp engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/conn"
	"github.com/momentics/hioload-ftp/control"
	"github.com/momentics/hioload-ftp/internal/concurrency"
	"github.com/momentics/hioload-ftp/internal/daemon"
	"github.com/momentics/hioload-ftp/internal/logging"
	"github.com/momentics/hioload-ftp/internal/session"
	"github.com/momentics/hioload-ftp/reactor"
)

const metricsShutdownTimeout = 5 * time.Second

type runSettings struct {
	guard     daemon.Guard
	registry  *prometheus.Registry
	listening func(addr net.Addr)
	serverOps []Option
}

// RunOption customizes Run.
type RunOption func(*runSettings)

// WithGuard replaces the PID file guard derived from the config.
func WithGuard(g daemon.Guard) RunOption {
	return func(rs *runSettings) { rs.guard = g }
}

// WithRegistry registers the metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) RunOption {
	return func(rs *runSettings) { rs.registry = reg }
}

// WithListening is called with the bound address once the server accepts.
func WithListening(fn func(addr net.Addr)) RunOption {
	return func(rs *runSettings) { rs.listening = fn }
}

// WithServerOptions forwards options to the Server.
func WithServerOptions(opts ...Option) RunOption {
	return func(rs *runSettings) { rs.serverOps = append(rs.serverOps, opts...) }
}

// Run binds the listener, starts the reactor and the workers, and blocks
// until ctx is cancelled or a component fails. Setup failures are returned
// before anything is served.
func Run(ctx context.Context, cfg control.Config, proto api.Protocol, log logr.Logger, opts ...RunOption) (err error) {
	rs := &runSettings{}
	for _, opt := range opts {
		opt(rs)
	}
	if rs.guard == nil {
		if cfg.PIDFile == "" {
			rs.guard = daemon.NopGuard{}
		} else {
			rs.guard = daemon.NewPIDFile(cfg.PIDFile)
		}
	}
	if rs.registry == nil {
		rs.registry = prometheus.NewRegistry()
		rs.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	// 1. Singleton check.
	ok, err := rs.guard.Acquire()
	if err != nil {
		return fmt.Errorf("acquire singleton guard: %w", err)
	}
	if !ok {
		return api.ErrAlreadyRunning
	}
	defer func() {
		if rerr := rs.guard.Release(); rerr != nil {
			log.Error(rerr, "Release singleton guard failed")
		}
	}()

	// 2. Listener and reactor.
	ln, err := conn.Bind(cfg.Address())
	if err != nil {
		return api.NewError(api.ErrCodeSetup, "bind listener", err).WithContext("addr", cfg.Address())
	}
	defer ln.Close()

	rc, err := reactor.New(log, reactor.WithCPU(cfg.ReactorCPU))
	if err != nil {
		return api.NewError(api.ErrCodeSetup, "create reactor", err)
	}
	defer rc.Close()

	if err := rc.Register(reactor.Listen(ln.FD()), reactor.ListenInterest); err != nil {
		return api.NewError(api.ErrCodeSetup, "register listener", err)
	}
	// the sweep tick also resumes a listener paused by accept errors
	if _, err := rc.AddTimer(cfg.SweepInterval); err != nil {
		return api.NewError(api.ErrCodeSetup, "add sweep timer", err)
	}

	// 3. Server, queue and workers.
	metrics := control.NewMetrics(rs.registry)
	queue := concurrency.NewBlockingQueue[*session.Session](cfg.QueueCapacity)
	srv := New(cfg, rc, queue, log, append([]Option{WithMetrics(metrics)}, rs.serverOps...)...)
	pool := concurrency.NewPool(cfg.Workers, queue, srv.Work(proto), log,
		concurrency.WithPanicHandler[*session.Session](func(any) { metrics.RecordPanic() }))

	g, gctx := errgroup.WithContext(ctx)
	// a reactor blocked on a full queue must still see shutdown
	stopQueue := context.AfterFunc(gctx, queue.Close)
	defer stopQueue()

	pool.Start(gctx)

	if cfg.MetricsAddr != "" {
		hooks := control.NewDebugState()
		hooks.Register("sessions", func() any { return srv.Sessions() })
		hooks.Register("data_channels", func() any { return srv.Channels().Len() })
		hooks.Register("idle.tracked", func() any { return srv.Tracked() })
		hooks.Register("queue.len", func() any { return queue.Len() })
		hooks.Register("workers", func() any { return pool.Stats() })
		serveMetrics(g, gctx, cfg.MetricsAddr, rs.registry, hooks, log)
	}

	g.Go(func() error {
		defer pool.Stop()
		runErr := rc.Run(gctx, srv)
		srv.Shutdown()
		return runErr
	})

	log.Info("Server listening", "addr", ln.Addr().String(), "fd", ln.FD(),
		"maxClients", cfg.MaxClients, "workers", cfg.Workers)
	if rs.listening != nil {
		rs.listening(ln.Addr())
	}

	err = g.Wait()
	log.Info("Server stopped")
	return err
}

func serveMetrics(g *errgroup.Group, ctx context.Context, addr string, reg *prometheus.Registry, hooks *control.DebugState, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/debug/state", hooks)
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.V(logging.DEFAULT).Info("Serving metrics", "addr", addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})
}

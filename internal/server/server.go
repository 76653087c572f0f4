// Package server wires the gateway's HTTP listener: accept a connection,
// hand it to the router, shut down cleanly on signal.
//
// Grounded on the teacher's internal/server/server.go (Run's background
// goroutines and graceful shutdown, requestLogger), stripped of the
// admin/UI/user-auth surface this gateway doesn't have.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codexgw/gateway/internal/config"
	"github.com/codexgw/gateway/internal/idgen"
	"github.com/codexgw/gateway/internal/pool"
	"github.com/codexgw/gateway/internal/router"
	"github.com/codexgw/gateway/internal/transport"
)

// Server owns the gateway's net/http listener and its background upkeep
// goroutines.
type Server struct {
	cfg          *config.Config
	pool         *pool.Pool
	transportMgr *transport.Manager
	httpServer   *http.Server
	startTime    time.Time
}

// New builds a Server bound to cfg.BindAddress:cfg.Port, routing every
// request through a Router built over p.
func New(cfg *config.Config, p *pool.Pool, tm *transport.Manager) *Server {
	rt := router.New(p, tm, cfg)

	srv := &Server{
		cfg:          cfg,
		pool:         p,
		transportMgr: tm,
		startTime:    time.Now(),
	}

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:        requestLogger(withRequestID(rt)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

// Run starts the listener and blocks until the process receives SIGINT or
// SIGTERM, then drains in-flight requests before returning.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transportMgr.RunCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs every inbound request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "elapsed", time.Since(start))
	})
}

// withRequestID stamps every inbound request with a correlation id, visible
// to handlers via the x-gateway-request-id response header.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := idgen.NewRequestID()
		w.Header().Set("x-gateway-request-id", id)
		next.ServeHTTP(w, r.WithContext(r.Context()))
	})
}

package exporter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

type ServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server exposes the latest poll snapshot on /metrics.
type Server struct {
	cfg      *ServerConfig
	isReady  atomic.Bool
	log      *slog.Logger
	gatherer prometheus.Gatherer
	// hasData gates /readyz until the first cycle was published.
	hasData func() bool

	srv *http.Server
}

// NewServer creates a server for the poller's snapshots.
func NewServer(cfg *ServerConfig, poller *Poller) *Server {
	srv := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		gatherer: poller.Gatherer(),
		hasData:  poller.Ready,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

// Handler returns the router, for tests and embedding.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Get("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(srv.log.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	}).ServeHTTP)
	mux.With(srv.httpLogger).Get("/health", srv.handleHealth)

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK")) //nolint:errcheck
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`)) //nolint:errcheck
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() || !srv.hasData() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`)) //nolint:errcheck
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`)) //nolint:errcheck
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`)) //nolint:errcheck
		return
	}

	srv.log.Info("Server marked as not ready", slog.Duration("drainDuration", srv.cfg.DrainDuration))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`)) //nolint:errcheck
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if srv.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`)) //nolint:errcheck
		return
	}

	srv.log.Info("Server marked as ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`)) //nolint:errcheck
}

// RunInBackground starts listening. Errors other than a clean shutdown are logged.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits the drain period so that load
// balancers notice, then stops accepting connections.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}

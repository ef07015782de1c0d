// SPDX-License-Identifier: MIT

// Package status serves the HTTP status API of an obsnet process: health
// and readiness probes, connection and device snapshots, the image ledger
// and Prometheus metrics.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/obsnet/internal/health"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Options configures the status server.
type Options struct {
	Addr string
	// RateLimit requests per RateWindow and client IP; zero disables it.
	RateLimit  int
	RateWindow time.Duration

	Health *health.Manager
	Block  health.Snapshotter
	// Device reports the role-specific state, e.g. a device.Snapshot.
	Device func(ctx context.Context) (any, error)
	// Images lists the ledger entries of an observation; nil disables
	// /api/v1/images.
	Images func(ctx context.Context, obsID int64) ([]store.Image, error)

	ShutdownTimeout time.Duration
}

// Server is the status HTTP server.
type Server struct {
	opts   Options
	log    zerolog.Logger
	router chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{opts: opts, log: log.WithComponent("status")}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(observe)

	if s.opts.Health != nil {
		r.Get("/healthz", s.opts.Health.ServeHealth)
		r.Get("/readyz", s.opts.Health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(rateLimit(s.opts.RateLimit, s.opts.RateWindow))
		}
		r.Get("/connections", s.handleConnections)
		r.Get("/device", s.handleDevice)
		r.Get("/images", s.handleImages)
	})
	return r
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.opts.Block == nil {
		writeError(w, http.StatusNotFound, "not_available", "no block")
		return
	}
	conns, err := s.opts.Block.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "loop_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if s.opts.Device == nil {
		writeError(w, http.StatusNotFound, "not_available", "this role has no device state")
		return
	}
	snap, err := s.opts.Device(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "loop_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if s.opts.Images == nil {
		writeError(w, http.StatusNotFound, "not_available", "this role keeps no image ledger")
		return
	}
	obsID, err := strconv.ParseInt(r.URL.Query().Get("obs"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_obs", "obs must be an observation id")
		return
	}
	images, err := s.opts.Images(r.Context(), obsID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	if images == nil {
		images = []store.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

// Run serves on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info().
			Str(log.FieldEvent, "status.listening").
			Str(log.FieldAddr, ln.Addr().String()).
			Msg("status API listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("status server: %w", err)
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status shutdown: %w", err)
	}
	s.log.Info().Str(log.FieldEvent, "status.stopped").Msg("status API stopped")
	return nil
}

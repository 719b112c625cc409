// Package api serves the daemon's status HTTP API.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eargollo/mediaflow/internal/api/handlers"
	"github.com/eargollo/mediaflow/internal/config"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(
	addr string,
	db *sql.DB,
	cfg *config.Config,
	daemon handlers.Daemon,
	ledger handlers.Ledger,
	version string,
) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(db, cfg, daemon, ledger, version),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter returns the API routes.
func NewRouter(
	db *sql.DB,
	cfg *config.Config,
	daemon handlers.Daemon,
	ledger handlers.Ledger,
	version string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{Daemon: daemon, Version: version}
	statsH := &handlers.StatsHandler{DB: db, Ledger: ledger}
	reportH := &handlers.ReportHandler{Daemon: daemon}
	scansH := &handlers.ScansHandler{Daemon: daemon}
	filesH := &handlers.FilesHandler{Ledger: ledger, Daemon: daemon}
	configH := &handlers.ConfigHandler{Cfg: cfg}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)
		r.Get("/stats", statsH.ServeHTTP)
		r.Get("/report", reportH.ServeHTTP)

		r.Post("/scans", scansH.Create)

		r.Get("/files", filesH.List)
		r.Get("/files/info", filesH.Info)
		r.Post("/files/reprocess", filesH.Reprocess)

		r.Get("/config", configH.Get)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

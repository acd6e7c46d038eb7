package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/piiscan/internal/api/handlers"
	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/report"
	"github.com/eargollo/piiscan/internal/scheduler"
	"github.com/eargollo/piiscan/internal/store"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr    string
	srv     *http.Server
	handler http.Handler
}

// Deps are the components the routes are served from.
type Deps struct {
	Store    *store.Store
	Manager  handlers.RunManager
	Reporter *report.Reporter
	Sched    *scheduler.Scheduler
	Cfg      *config.Config // served by /api/config when set
	Version  string
}

// New wires all routes and returns a Server ready to Run. Runs started over
// HTTP are hard-cancelled when ctx is.
func New(ctx context.Context, addr string, d Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	var (
		sched   handlers.Schedule
		resched handlers.Rescheduler
	)
	if d.Sched != nil {
		sched, resched = d.Sched, d.Sched
	}
	statusH := &handlers.StatusHandler{Manager: d.Manager, Sched: sched, Version: d.Version}
	runsH := &handlers.RunsHandler{Store: d.Store, Manager: d.Manager, Ctx: ctx}
	filesH := &handlers.FilesHandler{Store: d.Store, Reporter: d.Reporter}
	statsH := &handlers.StatsHandler{Reporter: d.Reporter}
	maintH := &handlers.MaintenanceHandler{Store: d.Store, Manager: d.Manager}
	configH := &handlers.ConfigHandler{Cfg: d.Cfg, Sched: resched}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/runs", runsH.Create)
		r.Get("/runs", runsH.List)
		r.Delete("/runs/current", runsH.Stop)
		r.Get("/runs/{id}", runsH.Get)

		r.Get("/files", filesH.List)
		r.Get("/export", filesH.Export)
		r.Get("/summary", statsH.ServeHTTP)

		r.Post("/requeue", maintH.Requeue)
		r.Post("/clear", maintH.Clear)

		if d.Cfg != nil {
			r.Get("/config", configH.Get)
			r.Patch("/config", configH.Update)
		}
	})

	return &Server{
		addr:    addr,
		handler: r,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

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

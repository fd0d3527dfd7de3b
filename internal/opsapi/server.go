// Package opsapi serves the operations HTTP API: status, manual runs and
// sweeps, dispatch audit queries, occasion previews and plan activation.
package opsapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"duewatch/internal/dispatch"
	"duewatch/internal/domain"
	"duewatch/internal/reconcile"
	"duewatch/internal/storage"
	"duewatch/internal/task/scheduler"
	logx "duewatch/pkg/logx"
)

// Job names registered with the scheduler.
const (
	JobDispatch = "dispatch"
	JobSweep    = "sweep"
)

type Config struct {
	Addr         string
	JWTSecret    string
	JWTIssuer    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        PprofConfig
}

type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Trigger(ctx context.Context, name string, at time.Time) error
}

type RunReporter interface {
	LastSummary() (dispatch.Summary, bool)
	OpenCircuits(now time.Time) map[domain.Channel]time.Time
}

type SweepReporter interface {
	LastResult() (reconcile.Result, bool)
}

type Store interface {
	Ping(ctx context.Context) error
	GetObligation(ctx context.Context, id string) (domain.Obligation, error)
	ListDispatches(ctx context.Context, f storage.DispatchFilter) ([]domain.DispatchRecord, error)
	PutPlanState(ctx context.Context, p domain.PlanState) error
}

type Planner interface {
	Schedule(ob domain.Obligation, due time.Time) ([]domain.Occasion, error)
	Location() *time.Location
}

// Deps are required except Now, which defaults to time.Now.
type Deps struct {
	Scheduler Scheduler
	Runs      RunReporter
	Sweeps    SweepReporter
	Store     Store
	// Planner is resolved per request so config reloads take effect.
	Planner func() Planner
	Now     func() time.Time
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	mux  chi.Router
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Scheduler == nil || deps.Runs == nil || deps.Sweeps == nil || deps.Store == nil || deps.Planner == nil {
		return nil, errors.New("opsapi: missing dependency")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "opsapi"))}
	s.mux = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.JWTSecret, s.cfg.JWTIssuer))
		r.Get("/status", s.status)
		r.Post("/runs", s.triggerRun)
		r.Post("/sweeps", s.triggerSweep)
		r.Get("/dispatches", s.listDispatches)
		r.Get("/obligations/{id}/occasions", s.occasions)
		r.Put("/tenants/{id}/plan", s.putPlan)
	})
	if s.cfg.Pprof.Enabled {
		applyProfileRates(s.cfg.Pprof)
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(bearerAuth(s.cfg.JWTSecret, s.cfg.JWTIssuer))
			mountPprof(r)
		})
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("ops api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" && ww.Status() < 400 {
			return
		}
		s.log.Info("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

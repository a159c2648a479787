package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/scanq/scanq/internal/dispatch"
	"github.com/scanq/scanq/internal/ratelimit"
	"github.com/scanq/scanq/internal/runtime"
	jobsvc "github.com/scanq/scanq/internal/services/jobs"
	logpkg "github.com/scanq/scanq/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	jobs   *jobsvc.Service
	events *dispatch.Broadcaster
	submit map[string]http.Handler
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

// New wires the API routes. submitLimiters maps each queue name to the
// limiter guarding its submission path; the status and stats paths stay
// unmetered. A queue absent from the map (or mapped to nil) submits
// unlimited.
func New(rt *runtime.Runtime, jobs *jobsvc.Service, events *dispatch.Broadcaster, submitLimiters map[string]*ratelimit.Limiter, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	s := &Server{
		rt:     rt,
		jobs:   jobs,
		events: events,
		logger: logger.With(logpkg.Component("http")),
	}

	base := http.HandlerFunc(s.handleSubmit)
	s.submit = make(map[string]http.Handler, len(submitLimiters))
	for name, lim := range submitLimiters {
		if lim == nil {
			s.submit[name] = base
			continue
		}
		s.submit[name] = ratelimit.Middleware(lim)(base)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Post("/scan/{queueName}", s.routeSubmit)

		r.Get("/jobs/stats", s.handleAllStats)
		r.Get("/jobs/stats/{queueName}", s.handleQueueStats)
		r.Get("/jobs/events", s.handleEvents)
		r.Get("/jobs/{queueName}", s.handleRecent)
		r.Get("/jobs/{queueName}/{jobID}", s.handleStatus)
		r.Delete("/jobs/{queueName}/{jobID}", s.handleCancel)
	})

	s.srv = &http.Server{Handler: r}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http server listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

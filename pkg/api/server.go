// Package api exposes the supervisor over HTTP: workload injection, status,
// cancellation, an event stream, probes and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/sandboxd/pkg/auth"
	"github.com/psantana5/sandboxd/pkg/lifecycle"
	"github.com/psantana5/sandboxd/pkg/logging"
	"github.com/psantana5/sandboxd/pkg/metrics"
	"github.com/psantana5/sandboxd/pkg/ratelimit"
	"github.com/psantana5/sandboxd/pkg/supervisor"
	"github.com/psantana5/sandboxd/pkg/tracing"
	"github.com/psantana5/sandboxd/pkg/workload"
)

// Sandbox is the part of the supervisor the API drives
type Sandbox interface {
	Inject(ctx context.Context, req workload.Request) (*supervisor.Handle, error)
	Get(ctx context.Context, id string) (workload.Result, error)
	Wait(ctx context.Context, id string) (workload.Result, error)
	List() []workload.Result
	Cancel(id string) error
	Subscribe(buffer int) (<-chan workload.Event, func())
	Health() supervisor.Health
	Shutdown(ctx context.Context, grace time.Duration) error
	Monitor() *lifecycle.Monitor
}

// Options configures the HTTP surface. Only Sandbox is required.
type Options struct {
	Sandbox    Sandbox
	Logger     *logging.Logger
	Metrics    *metrics.Recorder
	Auth       *auth.Authenticator
	Limiter    *ratelimit.Limiter
	Tracer     *tracing.Provider
	DrainGrace time.Duration

	// KeepAlive is the comment interval on idle event streams
	KeepAlive time.Duration
}

// Server holds the routes and their middleware
type Server struct {
	opts   Options
	sb     Sandbox
	log    *logging.Logger
	router *mux.Router
}

// probe and scrape paths stay reachable without a key
var openPaths = []string{"/healthz", "/readyz", "/metrics"}

// New builds the router
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 10 * time.Second
	}

	s := &Server{
		opts:   opts,
		sb:     opts.Sandbox,
		log:    opts.Logger.WithField("component", "api"),
		router: mux.NewRouter(),
	}
	s.RegisterRoutes(s.router)

	s.router.Use(mux.MiddlewareFunc(opts.Metrics.Middleware(routeName)))
	if opts.Tracer != nil {
		s.router.Use(mux.MiddlewareFunc(tracing.HTTPMiddleware(opts.Tracer, routeName)))
	}
	if opts.Limiter.Enabled() {
		s.router.Use(mux.MiddlewareFunc(opts.Limiter.Middleware(ratelimit.ClientKeyFunc)))
	}
	if opts.Auth.Enabled() {
		s.router.Use(mux.MiddlewareFunc(opts.Auth.Middleware(openPaths...)))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, supervisor.CodeNotFound, "no route for "+r.URL.Path)
	})
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/workloads", s.Inject).Methods("POST")
	r.HandleFunc("/v1/workloads", s.List).Methods("GET")
	r.HandleFunc("/v1/workloads/{id}", s.Get).Methods("GET")
	r.HandleFunc("/v1/workloads/{id}/wait", s.Wait).Methods("GET")
	r.HandleFunc("/v1/workloads/{id}/cancel", s.Cancel).Methods("POST")
	r.HandleFunc("/v1/events", s.Events).Methods("GET")
	r.HandleFunc("/v1/shutdown", s.Shutdown).Methods("POST")

	r.HandleFunc("/healthz", s.Healthz).Methods("GET")
	r.HandleFunc("/readyz", s.Readyz).Methods("GET")
	r.Handle("/metrics", s.opts.Metrics.Handler()).Methods("GET")
}

// NewHTTPServer wraps the handler with timeouts suited to long-lived wait
// and event requests.
func NewHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// routeName labels metrics and spans with the matched template
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

package metrics

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Recorder owns the sandbox metrics. All methods are safe on a nil receiver
// so components can run without metrics in tests.
type Recorder struct {
	registry     *prometheus.Registry
	injected     *prometheus.CounterVec
	terminated   *prometheus.CounterVec
	running      prometheus.Gauge
	duration     prometheus.Histogram
	orphans      prometheus.Counter
	state        *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
}

// New creates a recorder with its own registry, including the Go and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		injected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_workloads_injected_total",
				Help: "Inject requests by outcome",
			},
			[]string{"result"},
		),
		terminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_workloads_terminated_total",
				Help: "Reaped workloads by terminal event and reason",
			},
			[]string{"event", "reason"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxd_workloads_running",
			Help: "Workloads currently registered with the supervisor",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandboxd_workload_duration_seconds",
			Help:    "Wall time from spawn to reap",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandboxd_orphans_reaped_total",
			Help: "Exited processes reaped that were not registered workloads",
		}),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandboxd_lifecycle_state",
				Help: "1 for the current lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_http_requests_total",
				Help: "API requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
	}

	r.registry.MustRegister(
		r.injected,
		r.terminated,
		r.running,
		r.duration,
		r.orphans,
		r.state,
		r.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.SetState("running")
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Injected counts an inject outcome: accepted or an error code
func (r *Recorder) Injected(result string) {
	if r == nil {
		return
	}
	r.injected.WithLabelValues(result).Inc()
}

// Started marks a workload as registered
func (r *Recorder) Started() {
	if r == nil {
		return
	}
	r.running.Inc()
}

// Terminated records a reaped workload
func (r *Recorder) Terminated(event, reason string, seconds float64) {
	if r == nil {
		return
	}
	r.running.Dec()
	r.terminated.WithLabelValues(event, reason).Inc()
	r.duration.Observe(seconds)
}

// Orphan counts a reaped process that was not a registered workload
func (r *Recorder) Orphan() {
	if r == nil {
		return
	}
	r.orphans.Inc()
}

// SetState exports the lifecycle state as a one-hot gauge
func (r *Recorder) SetState(state string) {
	if r == nil {
		return
	}
	for _, s := range []string{"running", "draining", "stopped"} {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Middleware counts API requests. route names the matched pattern so ids
// do not explode label cardinality.
func (r *Recorder) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, req)
			r.httpRequests.WithLabelValues(req.Method, route(req), strconv.Itoa(rw.status)).Inc()
		})
	}
}

// Dump renders the sandbox metric families as exposition text, used to log
// final counters on shutdown.
func (r *Recorder) Dump() (string, error) {
	if r == nil {
		return "", nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "sandboxd_") {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the middleware
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

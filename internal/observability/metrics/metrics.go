// Package metrics exposes orchestration metrics through a Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp"

// Recorder groups every collector the service reports. A nil *Recorder is a no-op.
type Recorder struct {
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	steps            *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	tasks            *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpErrors       *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		return nil, errors.New("prometheus registerer is nil")
	}
	r := &Recorder{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed orchestration runs by terminal phase.",
		}, []string{"phase"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of orchestration runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"phase"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed plan steps by tool and status.",
		}, []string{"tool", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Tool call latency of successful steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Planner decisions by type.",
		}, []string{"decision"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Reasoning provider calls by provider and outcome.",
		}, []string{"provider", "status"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Reasoning provider latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Asynchronous tasks by final status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   httpBuckets,
		}, []string{"handler", "method"}),
	}
	for _, c := range []prometheus.Collector{
		r.runs, r.runDuration, r.steps, r.stepDuration, r.decisions,
		r.providerCalls, r.providerDuration, r.tasks,
		r.httpRequests, r.httpErrors, r.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveRun records a finished run under its terminal phase label.
func (r *Recorder) ObserveRun(phase string, duration time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(phase).Inc()
	r.runDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (r *Recorder) ObserveStep(tool, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(tool, status).Inc()
	if duration > 0 {
		r.stepDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

func (r *Recorder) ObserveDecision(decision string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decision).Inc()
}

func (r *Recorder) ObserveProviderCall(provider string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.providerCalls.WithLabelValues(provider, status).Inc()
	r.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveTask counts task outcomes from the async processor.
func (r *Recorder) ObserveTask(status string) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolmind"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "status"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency of HTTP requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})

	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Submissions by terminal outcome.",
	}, []string{"outcome"})

	attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "Plan-execute attempts by decision.",
	}, []string{"decision"})

	evaluationScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_score",
		Help:      "Self evaluation scores of synthesized answers.",
		Buckets:   []float64{20, 40, 60, 70, 80, 90, 100},
	})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of single step executions.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"outcome"})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool kind and outcome.",
	}, []string{"kind", "outcome"})

	runQueue = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "async_runs_total",
		Help:      "Asynchronous run state transitions.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpLatency,
		submissions,
		attempts,
		evaluationScores,
		stepDuration,
		toolCalls,
		runQueue,
	)
}

// Registry exposes the registry backing /metrics, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics for a completed HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveSubmission counts a finished submission: accepted, failed or canceled.
func ObserveSubmission(outcome string) {
	submissions.WithLabelValues(outcome).Inc()
}

// ObserveAttempt counts an attempt decision: accepted or retry.
func ObserveAttempt(decision string) {
	attempts.WithLabelValues(decision).Inc()
}

// ObserveEvaluationScore records a self evaluation score.
func ObserveEvaluationScore(score int) {
	evaluationScores.Observe(float64(score))
}

// ObserveStep records how long a step took.
func ObserveStep(outcome string, duration time.Duration) {
	stepDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveToolCall counts a tool invocation.
func ObserveToolCall(kind, outcome string) {
	toolCalls.WithLabelValues(kind, outcome).Inc()
}

// ObserveRunStatus counts an asynchronous run transition.
func ObserveRunStatus(status string) {
	runQueue.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
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

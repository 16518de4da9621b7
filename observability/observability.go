// Package observability holds the service metrics and the HTTP
// instrumentation middleware.
package observability

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Metrics are the queue-side counters the engine reports.
type Metrics struct {
	OrdersCreated         *prometheus.CounterVec
	InvoicesPaid          prometheus.Counter
	TransmissionsStarted  *prometheus.CounterVec
	TransmissionsEnded    *prometheus.CounterVec
	Retransmissions       *prometheus.CounterVec
	PublishFailures       *prometheus.CounterVec
	ConfirmationsReceived *prometheus.CounterVec
}

// Observability bundles the metrics registry, the engine counters and the
// per-route HTTP middleware.
type Observability struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry

	Metrics Metrics
}

// New builds the registry and all collectors for the service.
func New(service string, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satqueue",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "satqueue",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	metrics := Metrics{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "orders_created_total",
			Help:      "Orders created, by channel.",
		}, []string{"channel"}),
		InvoicesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "invoices_paid_total",
			Help:      "Invoices transitioned to paid.",
		}),
		TransmissionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "transmissions_started_total",
			Help:      "Transmissions started by the scheduler, by channel.",
		}, []string{"channel"}),
		TransmissionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "transmissions_ended_total",
			Help:      "Transmissions ended, by channel.",
		}, []string{"channel"}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "retransmissions_total",
			Help:      "Retransmissions started, by channel.",
		}, []string{"channel"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "publish_failures_total",
			Help:      "Broker publish failures, by topic.",
		}, []string{"topic"}),
		ConfirmationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satqueue",
			Name:      "confirmations_total",
			Help:      "Tx and Rx confirmations accepted, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		requests, durations,
		metrics.OrdersCreated, metrics.InvoicesPaid,
		metrics.TransmissionsStarted, metrics.TransmissionsEnded,
		metrics.Retransmissions, metrics.PublishFailures,
		metrics.ConfirmationsReceived,
	)

	return &Observability{
		logger:    logger,
		tracer:    otel.Tracer(service),
		requests:  requests,
		durations: durations,
		registry:  registry,
		Metrics:   metrics,
	}
}

// Middleware instruments a route with a trace span, a request counter and a
// latency histogram.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start).Seconds()
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration)
		})
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by service, route, method and status.",
		},
		[]string{"service", "route", "method", "status"},
	)

	IngestedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_ingest_events_total",
			Help: "Events seen at ingest by outcome (accepted, rejected).",
		},
		[]string{"outcome"},
	)
	IngestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_ingest_failures_total",
			Help: "Ingest requests that failed after validation, by stage (raw, queue).",
		},
		[]string{"stage"},
	)
	WorkerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_worker_messages_total",
			Help: "Queued messages handled by the aggregation worker by outcome (applied, duplicate, failed).",
		},
		[]string{"outcome"},
	)
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_dead_lettered_total",
		Help: "Messages moved to the dead-letter stream after exhausting their attempts.",
	})
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Sampled queue depth by state (queued, in_flight, dead_lettered).",
		},
		[]string{"state"},
	)
	DedupPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_dedup_pruned_total",
		Help: "Dedup records removed by the retention janitor.",
	})
)

func init() {
	prometheus.MustRegister(requestCounter, IngestedEvents, IngestFailures, WorkerMessages, DeadLettered, QueueDepth, DedupPruned)
}

// Telemetry is what each binary needs from the otel and prometheus setup.
type Telemetry struct {
	Tracer   oteltrace.Tracer
	Metrics  http.Handler
	shutdown []func(context.Context) error
}

// Setup installs the global propagator, meter provider and tracer provider.
// Spans go to an OTLP/HTTP collector when OTEL_EXPORTER_OTLP_ENDPOINT is set
// and are dropped otherwise.
func Setup(ctx context.Context, serviceName string) (*Telemetry, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	reader, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := otelmetric.NewMeterProvider(otelmetric.WithReader(reader), otelmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	tpOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, trace.WithBatcher(exp))
		slog.Info("trace export enabled", "endpoint", endpoint)
	}
	tp := trace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		Tracer:   tp.Tracer(serviceName),
		Metrics:  promhttp.Handler(),
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes pending spans and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) {
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}
}

// HTTPMiddleware records a span and a request counter per request. Requests
// are labelled by chi route pattern so ids in paths do not explode the series.
func HTTPMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, oteltrace.WithSpanKind(oteltrace.SpanKindServer))
			defer span.End()
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", rec.status),
			)
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
			requestCounter.WithLabelValues(serviceName, route, r.Method, strconv.Itoa(rec.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Package observability provides logging, metrics, and tracing capabilities
package observability

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Namespace prefixes every Prometheus metric.
const Namespace = "darkwatch"

// Telemetry provides unified observability for darkwatch
type Telemetry struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	config       Config
	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// Config configures telemetry
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	// Tracing
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "darkwatch",
		ServiceVersion: "dev",
		Environment:    "development",
		LogLevel:       "info",
		LogFormat:      "json",
		OTLPEndpoint:   "localhost:4317",
		SamplingRate:   1.0,
		MetricsEnabled: true,
	}
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config: cfg,
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	t.logger = logger

	if cfg.TracingEnabled {
		if err := t.initTracer(); err != nil {
			logger.Warn("Failed to initialize tracer", zap.Error(err))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.metrics = NewMetrics(prometheus.NewRegistry())
	}

	return t, nil
}

// NewLogger builds the structured logger: production JSON by default,
// development console output when LogFormat is "console".
func NewLogger(cfg Config) (*zap.Logger, error) {
	var config zap.Config

	if cfg.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	return config.Build()
}

// initTracer initializes OpenTelemetry tracing
func (t *Telemetry) initTracer() error {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
			attribute.String("environment", t.config.Environment),
		),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)

	return nil
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics; nil when metrics are disabled.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler returns the Prometheus metrics handler
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.metrics == nil {
		return http.NotFoundHandler()
	}
	return t.metrics.Handler()
}

// StartSystemMetricsCollector starts collecting system metrics
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if e := fn(ctx); e != nil {
				err = e
			}
		}
		_ = t.logger.Sync()
	})
	return err
}

// Metrics holds Prometheus metrics for darkwatch
type Metrics struct {
	registry *prometheus.Registry

	// Cycle metrics
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	LastCycle       prometheus.Gauge
	DedupRate       prometheus.Gauge
	FindingsByStage *prometheus.CounterVec

	// Source metrics
	CandidatesFetched *prometheus.CounterVec
	SourceErrors      *prometheus.CounterVec
	SourceDuration    *prometheus.HistogramVec

	// Alert metrics
	AlertsDispatched *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	DedupStoreErrors prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers darkwatch metrics on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "cycles_total",
				Help:      "Total monitoring cycles by fallback usage",
			},
			[]string{"fallback"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Monitoring cycle duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		LastCycle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_cycle_timestamp",
				Help:      "Unix time the last cycle finished",
			},
		),
		DedupRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "dedup_rate",
				Help:      "Share of confident findings suppressed as duplicates in the last cycle",
			},
		),
		FindingsByStage: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "findings_total",
				Help:      "Findings counted at each pipeline stage",
			},
			[]string{"stage"},
		),
		CandidatesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "candidates_fetched_total",
				Help:      "Raw candidates fetched by source",
			},
			[]string{"source"},
		),
		SourceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "source_errors_total",
				Help:      "Source failures by kind",
			},
			[]string{"source", "kind"},
		),
		SourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "source_fetch_duration_seconds",
				Help:      "Source fetch duration including retries",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"source"},
		),
		AlertsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "alerts_dispatched_total",
				Help:      "Alerts handed to the dispatcher by severity",
			},
			[]string{"severity"},
		),
		AlertsSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "alerts_suppressed_total",
				Help:      "Alerts withheld by the per-cycle cap",
			},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "delivery_failures_total",
				Help:      "Alert delivery failures by sink",
			},
			[]string{"sink"},
		),
		DedupStoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dedup_store_errors_total",
				Help:      "Dedup store failures handled by failing open",
			},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Handler exposes the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The Observe helpers below are safe on a nil *Metrics so callers need not
// branch on whether metrics are enabled.

// ObserveSource records one source's contribution to a cycle.
func (m *Metrics) ObserveSource(source string, candidates int, errKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CandidatesFetched.WithLabelValues(source).Add(float64(candidates))
	m.SourceDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if errKind != "" {
		m.SourceErrors.WithLabelValues(source, errKind).Inc()
	}
}

// ObserveStage adds n findings to a pipeline stage counter.
func (m *Metrics) ObserveStage(stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FindingsByStage.WithLabelValues(stage).Add(float64(n))
}

// ObserveDispatch records one alert handed to the dispatcher.
func (m *Metrics) ObserveDispatch(severity string, failedSinks []string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(severity).Inc()
	for _, sink := range failedSinks {
		m.DeliveryFailures.WithLabelValues(sink).Inc()
	}
}

// ObserveSuppressed records findings withheld by the cap.
func (m *Metrics) ObserveSuppressed(n int) {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Add(float64(n))
}

// ObserveStoreError records a dedup store failure.
func (m *Metrics) ObserveStoreError() {
	if m == nil {
		return
	}
	m.DedupStoreErrors.Inc()
}

// ObserveCycle records the completion of a cycle.
func (m *Metrics) ObserveCycle(elapsed time.Duration, fallback bool, dedupRate float64, finished time.Time) {
	if m == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	m.CyclesTotal.WithLabelValues(label).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	m.DedupRate.Set(dedupRate)
	m.LastCycle.Set(float64(finished.Unix()))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

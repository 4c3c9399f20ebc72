package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/furanomi/furanomi-sw"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is usually the deployed version tag.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	strategyResultsTotal metric.Int64Counter
	cacheWritesTotal     metric.Int64Counter

	networkFetchDuration   metric.Float64Histogram
	networkFetchTotal      metric.Int64Counter
	networkFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	expirationDeletedTotal metric.Int64Counter
	reaperDuration         metric.Float64Histogram

	activationsTotal        metric.Int64Counter
	activationDuration      metric.Float64Histogram
	activationBucketsTotal  metric.Int64Counter
	activationPurgedTotal   metric.Int64Counter
	activationNotifiedTotal metric.Int64Counter

	pushEventsTotal         metric.Int64Counter
	notificationClicksTotal metric.Int64Counter
	subscriptionOpsTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	metricsInit   = newInitState()
)

// InitMetrics initializes the OpenTelemetry metrics system. It is safe to
// call repeatedly and concurrently: the first caller performs the setup,
// concurrent callers wait for it, and later callers return immediately.
// A failed setup leaves the system uninitialized so a later call retries.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	if err := metricsInit.run(func() error { return doInitMetrics(ctx, cfg) }); err != nil {
		return nil, err
	}
	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "furanomi-sw"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters, still collect so instruments stay cheap no-ops.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

var (
	durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendBuckets  = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "furanomi_sw_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "furanomi_sw_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.strategyResultsTotal, "furanomi_sw_strategy_results_total", "Fetches handled per routing rule and outcome", "{fetch}"},
		{&m.cacheWritesTotal, "furanomi_sw_cache_writes_total", "Response snapshots written to cache buckets", "{write}"},
		{&m.networkFetchTotal, "furanomi_sw_network_fetch_total", "Total number of network fetches", "{request}"},
		{&m.networkFetchBytesTotal, "furanomi_sw_network_fetch_bytes_total", "Total bytes fetched from the network", "By"},
		{&m.backendRequestsTotal, "furanomi_sw_backend_requests_total", "Total number of body backend operations", "{request}"},
		{&m.backendBytesTotal, "furanomi_sw_backend_bytes_total", "Total bytes transferred in body backend operations", "By"},
		{&m.expirationDeletedTotal, "furanomi_sw_expiration_deleted_total", "Cache entries deleted by expiration", "{entry}"},
		{&m.activationsTotal, "furanomi_sw_activations_total", "Worker activations", "{activation}"},
		{&m.activationBucketsTotal, "furanomi_sw_activation_buckets_deleted_total", "Outdated cache buckets deleted on activation", "{bucket}"},
		{&m.activationPurgedTotal, "furanomi_sw_activation_entries_purged_total", "HTML/JS/CSS entries purged from current buckets on activation", "{entry}"},
		{&m.activationNotifiedTotal, "furanomi_sw_activation_clients_notified_total", "Clients sent the activated message", "{client}"},
		{&m.pushEventsTotal, "furanomi_sw_push_events_total", "Push events handled", "{event}"},
		{&m.notificationClicksTotal, "furanomi_sw_notification_clicks_total", "Notification clicks handled", "{click}"},
		{&m.subscriptionOpsTotal, "furanomi_sw_push_subscription_ops_total", "Push subscription operations", "{op}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&m.requestDuration, "furanomi_sw_http_request_duration_seconds", "HTTP request duration in seconds", durationBuckets},
		{&m.networkFetchDuration, "furanomi_sw_network_fetch_duration_seconds", "Duration of network fetches", durationBuckets},
		{&m.backendRequestDuration, "furanomi_sw_backend_request_duration_seconds", "Duration of body backend operations", backendBuckets},
		{&m.reaperDuration, "furanomi_sw_reaper_duration_seconds", "Duration of expiration reaper cycles", durationBuckets},
		{&m.activationDuration, "furanomi_sw_activation_duration_seconds", "Duration of the activation cache sweep", durationBuckets},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// shutdownMetrics shuts down the provider and returns the system to the
// uninitialized state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	metricsInit.reset()
	return err
}

// RecordHTTP records HTTP request metrics from the logging middleware.
// Category and cache result are read from the request tags.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	category := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Category != "" {
			category = tags.Category
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStrategyResult records the outcome of one routed fetch.
func RecordStrategyResult(ctx context.Context, rule string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.strategyResultsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.String("result", string(result)),
	))
}

// RecordCacheWrite records a snapshot write attempt into a bucket category.
func RecordCacheWrite(ctx context.Context, category, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	))
}

// RecordNetworkFetch records a network fetch.
func RecordNetworkFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	)
	globalMetrics.networkFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.networkFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.networkFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordBackendOp records body backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordExpiration records entries removed from a bucket by expiration.
// reason is "max_age" or "max_entries".
func RecordExpiration(ctx context.Context, bucket, reason string, deleted int) {
	if globalMetrics == nil || deleted == 0 {
		return
	}
	globalMetrics.expirationDeletedTotal.Add(ctx, int64(deleted), metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("reason", reason),
	))
}

// RecordReaperCycle records the duration of one reaper cycle.
func RecordReaperCycle(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// RecordActivation records one activation sweep.
func RecordActivation(ctx context.Context, version string, bucketsDeleted, entriesPurged, clientsNotified, errors int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	outcome := "success"
	if errors > 0 {
		outcome = "partial"
	}
	globalMetrics.activationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.activationDuration.Record(ctx, duration.Seconds())
	globalMetrics.activationBucketsTotal.Add(ctx, int64(bucketsDeleted))
	globalMetrics.activationPurgedTotal.Add(ctx, int64(entriesPurged))
	globalMetrics.activationNotifiedTotal.Add(ctx, int64(clientsNotified))
}

// RecordPushEvent records a handled push event.
// outcome is "displayed", "default_payload" or "error".
func RecordPushEvent(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pushEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordNotificationClick records a handled notification click.
// action is "focused", "opened" or "error".
func RecordNotificationClick(ctx context.Context, action string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.notificationClicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordSubscriptionOp records a subscribe, unsubscribe or status call.
func RecordSubscriptionOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.subscriptionOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler. It
// answers 404 until Prometheus export is enabled, so it can be registered
// regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

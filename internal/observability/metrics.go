package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures and rejections
// - Saturation: Resource commitment against host capacity
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Admission metrics (Errors, Saturation)
	AdmissionRejections metric.Int64Counter
	CPUsCommitted       metric.Int64Gauge
	MemoryGBCommitted   metric.Int64Gauge

	// Background loop metrics
	ReconcilerRepairs metric.Int64Counter
	SweeperCleaned    metric.Int64Counter
	SweeperErrors     metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("flashpods")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs admitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs settled as failed or timed out"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently holding resources (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Admission metrics
	m.AdmissionRejections, err = meter.Int64Counter(
		"admission_rejections_total",
		metric.WithDescription("Total job requests rejected for insufficient capacity"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CPUsCommitted, err = meter.Int64Gauge(
		"cpus_committed",
		metric.WithDescription("CPUs committed to starting and running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MemoryGBCommitted, err = meter.Int64Gauge(
		"memory_gb_committed",
		metric.WithDescription("Memory in GB committed to starting and running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Background loop metrics
	m.ReconcilerRepairs, err = meter.Int64Counter(
		"reconciler_repairs_total",
		metric.WithDescription("Total divergences repaired between recorded state and live containers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweeperCleaned, err = meter.Int64Counter(
		"sweeper_cleaned_total",
		metric.WithDescription("Total jobs fully cleaned by the sweeper"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweeperErrors, err = meter.Int64Counter(
		"sweeper_errors_total",
		metric.WithDescription("Total cleanup attempts that failed and will be retried"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobAdmitted records a job passing admission and reserving resources.
func (m *Metrics) RecordJobAdmitted(ctx context.Context, jobType string) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobSettled records a job reaching an intermediate terminal state and
// releasing its resources. errClass is empty for completed jobs.
func (m *Metrics) RecordJobSettled(ctx context.Context, jobType, errClass string, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(jobTypeAttr(jobType)))
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType)))

	if errClass != "" {
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType), reasonAttr(errClass)))
	}
}

// RecordAdmissionRejected records a create request turned away for capacity.
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, jobType string) {
	m.AdmissionRejections.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordCommitted records the current resource ledger snapshot.
func (m *Metrics) RecordCommitted(ctx context.Context, cpus, memoryGB int64) {
	m.CPUsCommitted.Record(ctx, cpus)
	m.MemoryGBCommitted.Record(ctx, memoryGB)
}

// RecordReconcilerRepair records one divergence repaired on a reconcile pass.
func (m *Metrics) RecordReconcilerRepair(ctx context.Context, action string) {
	m.ReconcilerRepairs.Add(ctx, 1, metric.WithAttributes(actionAttr(action)))
}

// RecordSweep records the outcome of one sweeper pass.
func (m *Metrics) RecordSweep(ctx context.Context, cleaned, failed int64) {
	if cleaned > 0 {
		m.SweeperCleaned.Add(ctx, cleaned)
	}
	if failed > 0 {
		m.SweeperErrors.Add(ctx, failed)
	}
}

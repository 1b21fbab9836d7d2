// Package metrics exposes the anti-spam observability surface: request,
// throttle and FLOOD_WAIT counters plus a Telegram-call latency histogram.
// Instruments publish through OpenTelemetry and additionally keep an
// in-process mirror so the stats tool can report a snapshot without a
// metrics backend.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/tgward/tgward/metrics"

// Histogram buckets for Telegram call latency, in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0}

// Instruments holds the counters and histogram used by the rate-limit kernel
// and the operation manager.
type Instruments struct {
	requests    metric.Int64Counter
	throttled   metric.Int64Counter
	floodWaits  metric.Int64Counter
	callLatency metric.Float64Histogram

	// In-process mirror for the stats snapshot.
	requestsN   atomic.Int64
	throttledN  atomic.Int64
	floodWaitsN atomic.Int64

	mu         sync.Mutex
	latencyHit []int64
	latencyInf int64
}

// New creates Instruments against the global OTEL meter provider. Without an
// installed SDK (see Init) the OTEL side is a no-op and only the in-process
// snapshot is populated.
func New() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	ins := &Instruments{latencyHit: make([]int64, len(latencyBuckets))}

	var err error
	if ins.requests, err = meter.Int64Counter("tgward.rate_limit.requests",
		metric.WithDescription("Calls entering the rate-limit kernel")); err != nil {
		return nil, fmt.Errorf("metrics: requests counter: %w", err)
	}
	if ins.throttled, err = meter.Int64Counter("tgward.rate_limit.throttled",
		metric.WithDescription("Acquisitions that had to wait for tokens")); err != nil {
		return nil, fmt.Errorf("metrics: throttled counter: %w", err)
	}
	if ins.floodWaits, err = meter.Int64Counter("tgward.flood_wait.events",
		metric.WithDescription("FLOOD_WAIT errors observed")); err != nil {
		return nil, fmt.Errorf("metrics: flood counter: %w", err)
	}
	if ins.callLatency, err = meter.Float64Histogram("tgward.tele_call.latency",
		metric.WithDescription("Telegram call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, fmt.Errorf("metrics: latency histogram: %w", err)
	}
	return ins, nil
}

// Init installs an OTEL meter provider with an OTLP HTTP exporter,
// configured through the standard OTEL env vars. Returns a shutdown function
// to flush on exit. Call before New when metrics export is enabled.
func Init(ctx context.Context) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("tgward")))
	if err != nil {
		return nil, fmt.Errorf("metrics: resource: %w", err)
	}

	exp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("metrics: otlp exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// IncRequests counts a call entering the kernel.
func (m *Instruments) IncRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1)
	m.requestsN.Add(1)
}

// IncThrottled counts an acquisition that had to sleep for tokens.
func (m *Instruments) IncThrottled(ctx context.Context) {
	if m == nil {
		return
	}
	m.throttled.Add(ctx, 1)
	m.throttledN.Add(1)
}

// IncFloodWaits counts an observed FLOOD_WAIT.
func (m *Instruments) IncFloodWaits(ctx context.Context) {
	if m == nil {
		return
	}
	m.floodWaits.Add(ctx, 1)
	m.floodWaitsN.Add(1)
}

// ObserveLatency records one Telegram call duration in seconds.
func (m *Instruments) ObserveLatency(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.callLatency.Record(ctx, seconds)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range latencyBuckets {
		if seconds <= b {
			m.latencyHit[i]++
			return
		}
	}
	m.latencyInf++
}

// Snapshot returns the in-process view for the stats tool.
func (m *Instruments) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}

	m.mu.Lock()
	hist := make(map[string]int64, len(latencyBuckets)+1)
	for i, b := range latencyBuckets {
		hist[fmt.Sprintf("%g", b)] = m.latencyHit[i]
	}
	hist["+Inf"] = m.latencyInf
	m.mu.Unlock()

	return map[string]any{
		"rate_limit_requests_total":  m.requestsN.Load(),
		"rate_limit_throttled_total": m.throttledN.Load(),
		"flood_wait_events_total":    m.floodWaitsN.Load(),
		"tele_call_latency_seconds":  hist,
	}
}

// Package observe provides application-wide observability primitives for
// Loquora: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/loquora/pkg/provider/pool"
)

// meterName is the instrumentation scope name used for all Loquora metrics.
const meterName = "github.com/MrWong99/loquora"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks end-to-end turn latency: final transcript in to
	// last playback frame out.
	TurnDuration metric.Float64Histogram

	// TimeToFirstToken tracks the delay between the final transcript and the
	// first LLM token.
	TimeToFirstToken metric.Float64Histogram

	// TimeToFirstAudio tracks the delay between the final transcript and the
	// first playback frame.
	TimeToFirstAudio metric.Float64Histogram

	// STTDuration tracks speech-to-text recognition latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// ToolDuration tracks tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts playback interruptions caused by caller speech or DTMF.
	// Use with attribute: attribute.String("trigger", ...)
	BargeIns metric.Int64Counter

	// QueueEvictions counts turn events evicted from full per-session queues.
	QueueEvictions metric.Int64Counter

	// EventDrops counts bus envelopes dropped for slow listeners.
	EventDrops metric.Int64Counter

	// Tokens counts LLM tokens. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("direction", "input"|"output")
	Tokens metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks queued turn events across all sessions.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// meter is retained for late instrument registration (pool gauges).
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("loquora.turn.duration",
		metric.WithDescription("End-to-end turn latency from final transcript to last playback frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("loquora.turn.ttft",
		metric.WithDescription("Delay between final transcript and first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("loquora.turn.ttfa",
		metric.WithDescription("Delay between final transcript and first playback frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("loquora.stt.duration",
		metric.WithDescription("Latency of speech-to-text recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("loquora.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("loquora.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("loquora.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("loquora.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("loquora.barge_ins",
		metric.WithDescription("Total playback interruptions by trigger."),
	); err != nil {
		return nil, err
	}
	if met.QueueEvictions, err = m.Int64Counter("loquora.queue.evictions",
		metric.WithDescription("Total turn events evicted from full queues."),
	); err != nil {
		return nil, err
	}
	if met.EventDrops, err = m.Int64Counter("loquora.events.drops",
		metric.WithDescription("Total bus envelopes dropped for slow listeners."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("loquora.tokens",
		metric.WithDescription("Total LLM tokens by agent and direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("loquora.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("loquora.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("loquora.queue.depth",
		metric.WithDescription("Turn events currently queued across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loquora.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterPoolGauges exposes a provider pool's occupancy as observable
// gauges sampled at collection time. kind distinguishes pools, e.g. "stt" or
// "tts".
func (m *Metrics) RegisterPoolGauges(kind string, stats func() pool.Stats) error {
	inUse, err := m.meter.Int64ObservableGauge("loquora.pool.in_use",
		metric.WithDescription("Provider clients currently acquired from the pool."),
	)
	if err != nil {
		return err
	}
	idle, err := m.meter.Int64ObservableGauge("loquora.pool.idle",
		metric.WithDescription("Provider clients parked on the pool free list."),
	)
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(inUse, int64(s.InUse), attrs)
		o.ObserveInt64(idle, int64(s.Idle), attrs)
		return nil
	}, inUse, idle)
	return err
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBargeIn is a convenience method that records a playback interruption.
// trigger is "speech" or "dtmf".
func (m *Metrics) RecordBargeIn(ctx context.Context, trigger string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}

// RecordTokens is a convenience method that records input and output token
// usage for an agent in one call.
func (m *Metrics) RecordTokens(ctx context.Context, agentID string, input, output int64) {
	if input > 0 {
		m.Tokens.Add(ctx, input, metric.WithAttributes(
			attribute.String("agent", agentID),
			attribute.String("direction", "input"),
		))
	}
	if output > 0 {
		m.Tokens.Add(ctx, output, metric.WithAttributes(
			attribute.String("agent", agentID),
			attribute.String("direction", "output"),
		))
	}
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

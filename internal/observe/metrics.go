// Package observe provides observability primitives for the voxflow
// orchestrator: OpenTelemetry metrics, tracing, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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
)

// meterName is the instrumentation scope name used for all voxflow metrics.
const meterName = "github.com/MrWong99/voxflow"

// Metrics holds all OpenTelemetry metric instruments for the orchestrator.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Chat lifecycle ---

	// ChatSessions counts chat sessions started.
	ChatSessions metric.Int64Counter

	// ActiveChats tracks the number of chat sessions in flight.
	ActiveChats metric.Int64UpDownCounter

	// ChatCancellations counts cancelled chats. Use with attribute:
	//   attribute.String("source", "client"|"error")
	ChatCancellations metric.Int64Counter

	// --- LLM stream ---

	// LLMStreamDuration tracks the wall time of a full completion stream.
	LLMStreamDuration metric.Float64Histogram

	// LLMParseErrors counts stream events that could not be parsed.
	LLMParseErrors metric.Int64Counter

	// LLMErrors counts completion requests that failed outright.
	LLMErrors metric.Int64Counter

	// LLMToolCalls counts tool calls accumulated across completions.
	LLMToolCalls metric.Int64Counter

	// --- TTS bridge ---

	// TTSUnits counts text units flushed to the TTS gateway.
	TTSUnits metric.Int64Counter

	// TTSSendErrors counts failed sends to the TTS gateway.
	TTSSendErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// streamBuckets defines histogram bucket boundaries (in seconds) sized for
// completion streams, which run from sub-second to minutes.
var streamBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Chat lifecycle.
	if met.ChatSessions, err = m.Int64Counter("voxflow.chat.sessions",
		metric.WithDescription("Total chat sessions started."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChats, err = m.Int64UpDownCounter("voxflow.chat.active",
		metric.WithDescription("Number of chat sessions in flight."),
	); err != nil {
		return nil, err
	}
	if met.ChatCancellations, err = m.Int64Counter("voxflow.chat.cancellations",
		metric.WithDescription("Total cancelled chats by source."),
	); err != nil {
		return nil, err
	}

	// LLM stream.
	if met.LLMStreamDuration, err = m.Float64Histogram("voxflow.llm.stream.duration",
		metric.WithDescription("Wall time of a full LLM completion stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(streamBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMParseErrors, err = m.Int64Counter("voxflow.llm.parse_errors",
		metric.WithDescription("Total unparseable LLM stream events."),
	); err != nil {
		return nil, err
	}
	if met.LLMErrors, err = m.Int64Counter("voxflow.llm.errors",
		metric.WithDescription("Total failed LLM completion requests."),
	); err != nil {
		return nil, err
	}
	if met.LLMToolCalls, err = m.Int64Counter("voxflow.llm.tool_calls",
		metric.WithDescription("Total tool calls accumulated across completions."),
	); err != nil {
		return nil, err
	}

	// TTS bridge.
	if met.TTSUnits, err = m.Int64Counter("voxflow.tts.units",
		metric.WithDescription("Total text units flushed to the TTS gateway."),
	); err != nil {
		return nil, err
	}
	if met.TTSSendErrors, err = m.Int64Counter("voxflow.tts.send_errors",
		metric.WithDescription("Total failed sends to the TTS gateway."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
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

// RecordChatStart records a chat session starting.
func (m *Metrics) RecordChatStart(ctx context.Context) {
	m.ChatSessions.Add(ctx, 1)
	m.ActiveChats.Add(ctx, 1)
}

// RecordChatEnd records a chat session finishing, however it ended.
func (m *Metrics) RecordChatEnd(ctx context.Context) {
	m.ActiveChats.Add(ctx, -1)
}

// RecordCancellation records a cancelled chat. source is "client" for client
// cancel frames and "error" for internally aborted chats.
func (m *Metrics) RecordCancellation(ctx context.Context, source string) {
	m.ChatCancellations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordLLMStream records the duration of a completed stream along with the
// number of tool calls it accumulated.
func (m *Metrics) RecordLLMStream(ctx context.Context, seconds float64, toolCalls int) {
	m.LLMStreamDuration.Record(ctx, seconds)
	if toolCalls > 0 {
		m.LLMToolCalls.Add(ctx, int64(toolCalls))
	}
}

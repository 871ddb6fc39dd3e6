// Package observe provides application-wide observability primitives for
// harvic: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// to Prometheus via [InitProvider], so they can be scraped from /metrics.
// A package-level [DefaultMetrics] instance is provided for convenience;
// tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all harvic metrics.
const meterName = "github.com/MrWong99/harvic"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LiveConnectDuration tracks the time from dial to the session opening.
	LiveConnectDuration metric.Float64Histogram

	// ChatFirstDelta tracks the time until the first streamed chat delta.
	ChatFirstDelta metric.Float64Histogram

	// ChatDuration tracks the time until a chat reply completes.
	ChatDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// CaptureFrames counts microphone frames by outcome
	// (sent, muted, dropped, backlogged).
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts model audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackInterrupts counts playback interruptions. Attribute: reason.
	PlaybackInterrupts metric.Int64Counter

	// PlaybackAudio sums the seconds of model audio scheduled.
	PlaybackAudio metric.Float64Counter

	// CallTransitions counts call state changes. Attribute: state.
	CallTransitions metric.Int64Counter

	// VideoFrames counts JPEG frames sent during calls.
	VideoFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks calls between Start and teardown.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics HTTP request time.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// conversational round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	latency := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.LiveConnectDuration, err = latency("harvic.live.connect.duration",
		"Time from dialing a live session until it opened."); err != nil {
		return nil, err
	}
	if met.ChatFirstDelta, err = latency("harvic.chat.first_delta.duration",
		"Time until the first streamed chat delta."); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = latency("harvic.chat.duration",
		"Time until a chat reply completed."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("harvic.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("harvic.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("harvic.audio.capture.frames",
		metric.WithDescription("Microphone frames by pipeline outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("harvic.audio.playback.chunks",
		metric.WithDescription("Model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("harvic.audio.playback.interrupts",
		metric.WithDescription("Playback interruptions by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackAudio, err = m.Float64Counter("harvic.audio.playback.seconds",
		metric.WithDescription("Seconds of model audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.CallTransitions, err = m.Int64Counter("harvic.call.transitions",
		metric.WithDescription("Call state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.VideoFrames, err = m.Int64Counter("harvic.video.frames",
		metric.WithDescription("JPEG frames sent during calls."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("harvic.active_calls",
		metric.WithDescription("Number of calls in progress."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("harvic.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCaptureFrame records one microphone frame outcome.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPlayback records one scheduled chunk of duration d.
func (m *Metrics) RecordPlayback(ctx context.Context, d time.Duration) {
	m.PlaybackChunks.Add(ctx, 1)
	m.PlaybackAudio.Add(ctx, d.Seconds())
}

// RecordInterrupt records a playback interruption.
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.PlaybackInterrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition records a call entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.CallTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

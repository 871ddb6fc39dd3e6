package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// intSum returns the value of the int64 sum data point of name whose
// attribute key equals value. An empty key matches the first data point.
func intSum(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"harvic.live.connect.duration", m.LiveConnectDuration},
		{"harvic.chat.first_delta.duration", m.ChatFirstDelta},
		{"harvic.chat.duration", m.ChatDuration},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini", "live", "ok")
	m.RecordProviderRequest(ctx, "gemini", "live", "ok")
	m.RecordProviderRequest(ctx, "gemini", "live", "error")
	m.RecordProviderError(ctx, "gemini", "chat")

	rm := collect(t, reader)
	if got := intSum(t, rm, "harvic.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := intSum(t, rm, "harvic.provider.requests", "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	if got := intSum(t, rm, "harvic.provider.errors", "kind", "chat"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestAudioCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCaptureFrame(ctx, "sent")
	m.RecordCaptureFrame(ctx, "sent")
	m.RecordCaptureFrame(ctx, "muted")
	m.RecordPlayback(ctx, 500*time.Millisecond)
	m.RecordPlayback(ctx, 250*time.Millisecond)
	m.RecordInterrupt(ctx, "remote-barge-in")

	rm := collect(t, reader)
	if got := intSum(t, rm, "harvic.audio.capture.frames", "outcome", "sent"); got != 2 {
		t.Errorf("sent frames = %d, want 2", got)
	}
	if got := intSum(t, rm, "harvic.audio.capture.frames", "outcome", "muted"); got != 1 {
		t.Errorf("muted frames = %d, want 1", got)
	}
	if got := intSum(t, rm, "harvic.audio.playback.chunks", "", ""); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	if got := intSum(t, rm, "harvic.audio.playback.interrupts", "reason", "remote-barge-in"); got != 1 {
		t.Errorf("interrupts = %d, want 1", got)
	}

	met := findMetric(rm, "harvic.audio.playback.seconds")
	if met == nil {
		t.Fatal("playback seconds metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[float64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("playback seconds is not a float sum with data")
	}
	if got := sum.DataPoints[0].Value; got != 0.75 {
		t.Errorf("playback seconds = %v, want 0.75", got)
	}
}

func TestCallMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)
	m.RecordTransition(ctx, "Connecting")
	m.RecordTransition(ctx, "OpenIdle")
	m.VideoFrames.Add(ctx, 3)

	rm := collect(t, reader)
	if got := intSum(t, rm, "harvic.active_calls", "", ""); got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}
	if got := intSum(t, rm, "harvic.call.transitions", "state", "OpenIdle"); got != 1 {
		t.Errorf("OpenIdle transitions = %d, want 1", got)
	}
	if got := intSum(t, rm, "harvic.video.frames", "", ""); got != 3 {
		t.Errorf("video frames = %d, want 3", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "harvic.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Errorf("unexpected data points: %+v", hist.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

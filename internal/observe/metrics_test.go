package observe

import (
	"context"
	"errors"
	"testing"

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

// sumWhere returns the value of the int64 sum data point whose attribute key
// equals value, or -1 when absent.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordHandshake(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHandshake(ctx, "gemini", 0.3, nil)
	m.RecordHandshake(ctx, "gemini", 1.2, errors.New("refused"))

	rm := collect(t, reader)
	met := findMetric(rm, "meli.session.handshake.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 2 {
		t.Errorf("data points = %d, want 2 (ok + error)", len(hist.DataPoints))
	}
}

func TestRecordCaptureChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCaptureChunk(ctx, "sent")
	m.RecordCaptureChunk(ctx, "sent")
	m.RecordCaptureChunk(ctx, "dropped")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "meli.capture.chunks", "status", "sent"); got != 2 {
		t.Errorf("sent = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "meli.capture.chunks", "status", "dropped"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestRecordSegmentAndInterrupt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSegment(ctx, 0.4)
	m.RecordSegment(ctx, -0.1)
	m.RecordInterrupt(ctx, 3)
	m.RecordInterrupt(ctx, 0)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "meli.playback.segments", "", ""); got != 2 {
		t.Errorf("segments = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "meli.playback.interruptions", "", ""); got != 2 {
		t.Errorf("interruptions = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "meli.playback.flushed_segments", "", ""); got != 3 {
		t.Errorf("flushed = %d, want 3", got)
	}

	hist := findMetric(rm, "meli.playback.lead").Data.(metricdata.Histogram[float64])
	if v, ok := hist.DataPoints[0].Min.Value(); ok && v < 0 {
		t.Error("negative lead recorded")
	}
}

func TestRecordTransition_TracksActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "IDLE", "CONNECTING")
	m.RecordTransition(ctx, "CONNECTING", "ACTIVE")
	m.RecordTransition(ctx, "ACTIVE", "CLOSED")
	m.RecordTransition(ctx, "IDLE", "CONNECTING")
	m.RecordTransition(ctx, "CONNECTING", "ACTIVE")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "meli.session.active", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "meli.session.transitions", "to", "ACTIVE"); got != 2 {
		t.Errorf("transitions to ACTIVE = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

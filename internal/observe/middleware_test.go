package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return m, reader, exp
}

// routeCounts sums request duration samples per route attribute.
func routeCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]uint64)
	met := findMetric(rm, "meli.http.request.duration")
	if met == nil {
		return out
	}
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		route, _ := dp.Attributes.Value("route")
		out[route.AsString()] += dp.Count
	}
	return out
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "generated"},
		{name: "propagated", traceparent: "00-" + upstream + "-00f067aa0ba902b7-01", want: upstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := testSetup(t)

			var seen string
			h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/api/session", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation ID %q is not a trace ID", seen)
			}
			if tt.want != "" && seen != tt.want {
				t.Errorf("correlation ID = %q, want %q", seen, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_RoutesAndStatus(t *testing.T) {
	m, reader, exp := testSetup(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("POST /api/session/connect", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "handshake refused", http.StatusBadGateway)
	})
	h := Middleware(m)(mux)

	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/api/session", nil),
		httptest.NewRequest("GET", "/api/session", nil),
		httptest.NewRequest("POST", "/api/session/connect", nil),
	} {
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	counts := routeCounts(t, reader)
	if counts["GET /api/session"] != 2 || counts["POST /api/session/connect"] != 1 {
		t.Errorf("route counts = %v", counts)
	}

	statuses := make(map[string]int64)
	for _, s := range exp.GetSpans() {
		for _, a := range s.Attributes {
			if a.Key == "http.response.status_code" {
				statuses[s.Name] = a.Value.AsInt64()
			}
		}
	}
	if statuses["HTTP GET /api/session"] != http.StatusOK {
		t.Errorf("status spans = %v", statuses)
	}
	if statuses["HTTP POST /api/session/connect"] != http.StatusBadGateway {
		t.Errorf("status spans = %v", statuses)
	}
}

func TestMiddleware_WebsocketUpgrade(t *testing.T) {
	m, reader, exp := testSetup(t)

	served := make(chan struct{})
	ws := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte("hi"))
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeHTTP(w, r)
		close(served)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, msg, err := conn.Read(ctx); err != nil || string(msg) != "hi" {
		t.Fatalf("read = %q, %v", msg, err)
	}
	_, _, _ = conn.Read(ctx)
	conn.CloseNow()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}

	if n := routeCounts(t, reader)["/ws"]; n != 0 {
		t.Errorf("upgraded request recorded %d duration samples", n)
	}
	var status int64
	for _, s := range exp.GetSpans() {
		for _, a := range s.Attributes {
			if s.Name == "HTTP GET /ws" && a.Key == "http.response.status_code" {
				status = a.Value.AsInt64()
			}
		}
	}
	if status != http.StatusSwitchingProtocols {
		t.Errorf("span status = %d, want 101", status)
	}
}

package gateway

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/voxflow/pkg/protocol"
)

// scrapeExposition serves one GET against the metrics handler and returns
// the text exposition plus its content type.
func scrapeExposition(t *testing.T, m *Metrics) (body, contentType string) {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	return string(data), res.Header.Get("Content-Type")
}

func wantLine(t *testing.T, body, line string) {
	t.Helper()
	if !strings.Contains(body, line+"\n") {
		t.Errorf("exposition is missing %q", line)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.SessionStarted()
	m.SessionStarted()
	m.ErrorEmitted(protocol.CodeBadRequest)
	m.ErrorEmitted(protocol.CodeBadRequest)
	m.ErrorEmitted(protocol.CodeBackpressure)
	m.Backpressure()

	body, contentType := scrapeExposition(t, m)

	if !strings.Contains(contentType, "text/plain; version=0.0.4") {
		t.Errorf("content type = %q; want the 0.0.4 text exposition", contentType)
	}

	wantLine(t, body, "# HELP ws_gateway_active_connections Active WebSocket connections.")
	wantLine(t, body, "# TYPE ws_gateway_active_connections gauge")
	wantLine(t, body, "ws_gateway_active_connections 1")

	wantLine(t, body, "# HELP ws_gateway_sessions_total Total sessions started (start messages accepted).")
	wantLine(t, body, "# TYPE ws_gateway_sessions_total counter")
	wantLine(t, body, "ws_gateway_sessions_total 2")

	wantLine(t, body, "# HELP ws_gateway_errors_total Total errors by code.")
	wantLine(t, body, `ws_gateway_errors_total{code="bad_request"} 2`)
	wantLine(t, body, `ws_gateway_errors_total{code="backpressure"} 1`)

	wantLine(t, body, "# HELP ws_gateway_backpressure_total Total backpressure errors.")
	wantLine(t, body, "ws_gateway_backpressure_total 1")
}

func TestMetrics_TTFASummary(t *testing.T) {
	t.Parallel()

	// 101 samples 0..100 put every published quantile on an exact rank:
	// p50=50, p95=95, p99=99.
	m := NewMetrics()
	for i := 100; i >= 0; i-- {
		m.ObserveTTFA(float64(i))
	}

	body, _ := scrapeExposition(t, m)

	wantLine(t, body, "# HELP ws_gateway_ttfa_ms Time-to-first-audio in milliseconds (summary over recent samples).")
	wantLine(t, body, "# TYPE ws_gateway_ttfa_ms summary")
	wantLine(t, body, `ws_gateway_ttfa_ms{quantile="0.5"} 50`)
	wantLine(t, body, `ws_gateway_ttfa_ms{quantile="0.95"} 95`)
	wantLine(t, body, `ws_gateway_ttfa_ms{quantile="0.99"} 99`)
	wantLine(t, body, "ws_gateway_ttfa_ms_sum 5050")
	wantLine(t, body, "ws_gateway_ttfa_ms_count 101")
}

func TestMetrics_TTFASummaryEmpty(t *testing.T) {
	t.Parallel()

	body, _ := scrapeExposition(t, NewMetrics())

	wantLine(t, body, `ws_gateway_ttfa_ms{quantile="0.5"} 0`)
	wantLine(t, body, "ws_gateway_ttfa_ms_count 0")
	wantLine(t, body, "ws_gateway_sessions_total 0")
	wantLine(t, body, "ws_gateway_active_connections 0")
}

func TestMetrics_TTFAWindowBoundsQuantiles(t *testing.T) {
	t.Parallel()

	// One sample past the window: sample 1 is overwritten, count keeps
	// growing. The ring then holds 2..5001.
	m := NewMetrics()
	for i := 1; i <= ttfaWindow+1; i++ {
		m.ObserveTTFA(float64(i))
	}

	body, _ := scrapeExposition(t, m)
	wantLine(t, body, "ws_gateway_ttfa_ms_count 5001")
	wantLine(t, body, `ws_gateway_ttfa_ms{quantile="0.5"} 2501.5`)
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 50, 0},
		{"single", []float64{5}, 99, 5},
		{"median of two", []float64{10, 20}, 50, 15},
		{"lower quartile", []float64{10, 20, 30, 40}, 25, 17.5},
		{"p0 is the minimum", []float64{10, 20, 30}, 0, 10},
		{"p100 is the maximum", []float64{10, 20, 30}, 100, 30},
		{"interpolated p95", []float64{10, 20, 30}, 95, 29},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.sorted, tt.p); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("percentile(%v, %v) = %v; want %v", tt.sorted, tt.p, got, tt.want)
			}
		})
	}
}

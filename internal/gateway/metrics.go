package gateway

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxflow/pkg/protocol"
)

// ttfaWindow is how many recent time-to-first-audio samples are kept for
// quantile estimation. Count and sum keep accumulating beyond the window.
const ttfaWindow = 5000

var (
	descActiveConnections = prometheus.NewDesc(
		"ws_gateway_active_connections",
		"Active WebSocket connections.",
		nil, nil,
	)
	descSessionsTotal = prometheus.NewDesc(
		"ws_gateway_sessions_total",
		"Total sessions started (start messages accepted).",
		nil, nil,
	)
	descErrorsTotal = prometheus.NewDesc(
		"ws_gateway_errors_total",
		"Total errors by code.",
		[]string{"code"}, nil,
	)
	descBackpressureTotal = prometheus.NewDesc(
		"ws_gateway_backpressure_total",
		"Total backpressure errors.",
		nil, nil,
	)
	descTTFA = prometheus.NewDesc(
		"ws_gateway_ttfa_ms",
		"Time-to-first-audio in milliseconds (summary over recent samples).",
		nil, nil,
	)
)

// Metrics holds the gateway's counters and the TTFA summary ring. It
// implements [prometheus.Collector]; all mutation happens under one short
// critical section and Collect snapshots state under the same lock.
type Metrics struct {
	reg *prometheus.Registry

	mu                sync.Mutex
	activeConnections int
	sessionsTotal     uint64
	backpressureTotal uint64
	errorsTotal       map[protocol.ErrorCode]uint64

	ttfa      []float64
	ttfaNext  int
	ttfaCount uint64
	ttfaSum   float64
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics creates the collector and registers it on a private registry so
// the exposition contains exactly the gateway families.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg:         prometheus.NewRegistry(),
		errorsTotal: make(map[protocol.ErrorCode]uint64),
	}
	m.reg.MustRegister(m)
	return m
}

// Handler returns the Prometheus text exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ConnOpened records a new WebSocket connection.
func (m *Metrics) ConnOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections++
}

// ConnClosed records a finished WebSocket connection.
func (m *Metrics) ConnClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}

// SessionStarted records one accepted start message.
func (m *Metrics) SessionStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsTotal++
}

// ErrorEmitted records an error frame put on the wire.
func (m *Metrics) ErrorEmitted(code protocol.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorsTotal[code]++
}

// Backpressure records a send-queue overflow teardown.
func (m *Metrics) Backpressure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backpressureTotal++
}

// ObserveTTFA records one time-to-first-audio sample in milliseconds.
func (m *Metrics) ObserveTTFA(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ttfa) < ttfaWindow {
		m.ttfa = append(m.ttfa, ms)
	} else {
		m.ttfa[m.ttfaNext] = ms
	}
	m.ttfaNext = (m.ttfaNext + 1) % ttfaWindow
	m.ttfaCount++
	m.ttfaSum += ms
}

// Describe implements [prometheus.Collector].
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descActiveConnections
	ch <- descSessionsTotal
	ch <- descErrorsTotal
	ch <- descBackpressureTotal
	ch <- descTTFA
}

// Collect implements [prometheus.Collector].
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	active := float64(m.activeConnections)
	sessions := float64(m.sessionsTotal)
	backpressure := float64(m.backpressureTotal)
	codes := make([]string, 0, len(m.errorsTotal))
	for code := range m.errorsTotal {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	errCounts := make([]float64, len(codes))
	for i, code := range codes {
		errCounts[i] = float64(m.errorsTotal[protocol.ErrorCode(code)])
	}
	count := m.ttfaCount
	sum := m.ttfaSum
	samples := make([]float64, len(m.ttfa))
	copy(samples, m.ttfa)
	m.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(descActiveConnections, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(descSessionsTotal, prometheus.CounterValue, sessions)
	for i, code := range codes {
		ch <- prometheus.MustNewConstMetric(descErrorsTotal, prometheus.CounterValue, errCounts[i], code)
	}
	ch <- prometheus.MustNewConstMetric(descBackpressureTotal, prometheus.CounterValue, backpressure)

	sort.Float64s(samples)
	quantiles := map[float64]float64{
		0.5:  percentile(samples, 50),
		0.95: percentile(samples, 95),
		0.99: percentile(samples, 99),
	}
	ch <- prometheus.MustNewConstSummary(descTTFA, count, sum, quantiles)
}

// percentile returns the p-th percentile (0..100) of an ascending-sorted
// sample slice, linearly interpolated between the two closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := float64(len(sorted)-1) * p / 100
	lo := int(idx)
	hi := min(lo+1, len(sorted)-1)
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

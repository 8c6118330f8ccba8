package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/protocol"
	"execution-core/internal/risk"
)

type collectSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *collectSink) Send(msg string) error {
	c.mu.Lock()
	c.lines = append(c.lines, msg)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestMonitorRaisesAlertsAndGauges(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	defer bus.Close()
	rec := NewRecorder()
	sink := &collectSink{}
	m := New(bus, rec, zerolog.Nop(), sink)
	m.Start()
	defer m.Stop()

	bus.Publish(events.TypeRiskDecision, "EURUSD", risk.DecisionEvent{Decision: risk.Reject,
		Reasons: []risk.Reason{{Layer: risk.LayerBreaker, Code: risk.CodeBreakerOpen}}})
	bus.Publish(events.TypeBreakerState, "EURUSD", risk.BreakerEvent{Symbol: "EURUSD", From: risk.StateClosed, To: risk.StateOpen, Cause: "3 consecutive losses"})
	bus.Publish(events.TypeDrawdownLevel, "", risk.DrawdownEvent{From: risk.LevelNormal, To: risk.LevelWarning, DrawdownPct: 3.5})
	bus.Publish(events.TypeDrawdownLevel, "", risk.DrawdownEvent{From: risk.LevelWarning, To: risk.LevelHalt, DrawdownPct: 7.2})
	bus.Publish(events.TypeLinkState, "", protocol.LinkEvent{State: protocol.LinkDown, Missed: 3})
	bus.Publish(events.TypeGuardianHalt, "", "p99 latency 300ms above 250ms")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	lines := sink.snapshot()
	assert.Contains(t, lines[0], "circuit breaker OPEN on EURUSD")
	assert.Contains(t, lines[1], "drawdown HALT at 7.20%")
	assert.Contains(t, lines[2], "gateway link DOWN")
	assert.Contains(t, lines[3], "p99 latency")

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.breakerState.WithLabelValues("EURUSD")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.drawdownLevel))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.linkUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.halted))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.riskDecisions.WithLabelValues("REJECT", "BREAKER_OPEN")))
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	rec := NewRecorder()
	rec.RecordRequest("ORDER_OPEN", "FILLED", "")
	rec.SetMode("SHADOW", "SHADOW", "LIVE", "CANARY")

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `execution_core_gateway_requests_total{code="",status="FILLED",type="ORDER_OPEN"} 1`))
	assert.True(t, strings.Contains(text, `execution_core_execution_mode{mode="LIVE"} 0`))
	assert.True(t, strings.Contains(text, `execution_core_execution_mode{mode="SHADOW"} 1`))
}

func TestLatencyHistogramPercentiles(t *testing.T) {
	h := NewLatencyHistogram(100)
	assert.Equal(t, 0, h.Stats().Count)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}
	s := h.Stats()
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, 50.0, s.P50)
	assert.Equal(t, 95.0, s.P95)
	assert.Equal(t, 99.0, s.P99)

	// window slides: the oldest sample (1) is replaced
	h.Record(500)
	s = h.Stats()
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 500.0, s.Max)

	h.Reset()
	assert.Equal(t, 0, h.Stats().Count)
}

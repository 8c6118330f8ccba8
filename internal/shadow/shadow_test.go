package shadow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/order"
	"execution-core/internal/strategy"
)

type countingTransport struct{ calls atomic.Int64 }

func (c *countingTransport) SendOrder(_ context.Context, s order.SignedOrder, _ time.Duration) (order.ExecutionResult, error) {
	c.calls.Add(1)
	return order.ExecutionResult{RequestID: s.Order.ID, Status: order.StatusFilled, Ticket: "T1", FillPrice: s.Order.Price}, nil
}

func intent(i int) Intent {
	o := order.Order{
		ID:        uuid.NewString(),
		Symbol:    "EURUSD",
		Side:      order.SideBuy,
		Volume:    0.01,
		Price:     1.085,
		CreatedAt: time.Now().UTC(),
	}
	if i%2 == 1 {
		o.Side = order.SideSell
	}
	return Intent{
		Signal: strategy.Signal{Engine: "ma_cross_10_30", Symbol: o.Symbol, Direction: strategy.Buy, Confidence: 0.7, Price: o.Price},
		Order:  o,
		Signed: &order.SignedOrder{Order: o, Signature: "RISK_PASS:abc:2026-01-01T00:00:00.000Z", TTLSeconds: 5},
	}
}

func countLines(t *testing.T, data []byte, marker string) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if strings.Contains(sc.Text(), marker) {
			n++
		}
	}
	require.NoError(t, sc.Err())
	return n
}

func TestShadowModeNeverReachesTransport(t *testing.T) {
	transport := &countingTransport{}
	var parityBuf, logBuf bytes.Buffer
	parity := NewParityWriter(&parityBuf)
	h := NewHarness(HarnessConfig{Mode: ModeShadow}, transport, parity, nil, nil, zerolog.New(&logBuf))

	const n = 10000
	for i := 0; i < n; i++ {
		res, err := h.Execute(context.Background(), intent(i))
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, strings.HasPrefix(res.Ticket, "SHADOW-"))
	}
	require.NoError(t, parity.Flush())

	assert.Equal(t, int64(0), transport.calls.Load())
	assert.Equal(t, n, countLines(t, parityBuf.Bytes(), `"marker":"[SHADOW]"`))
	assert.Equal(t, n, countLines(t, logBuf.Bytes(), MarkerShadow))
	assert.Equal(t, int64(n), parity.Lines())
}

func TestLiveModeUsesTransport(t *testing.T) {
	transport := &countingTransport{}
	var buf bytes.Buffer
	parity := NewParityWriter(&buf)
	h := NewHarness(HarnessConfig{Mode: ModeLive}, transport, parity, nil, nil, zerolog.Nop())

	res, err := h.Execute(context.Background(), intent(0))
	require.NoError(t, err)
	assert.Equal(t, "T1", res.Ticket)
	assert.Equal(t, int64(1), transport.calls.Load())

	unsigned := intent(1)
	unsigned.Signed = nil
	res, err = h.Execute(context.Background(), unsigned)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, res.Status)
	assert.Equal(t, CodeUnsigned, res.ErrorCode)
	assert.Equal(t, int64(1), transport.calls.Load())

	require.NoError(t, parity.Flush())
	var rec ParityRecord
	line, _, _ := bufio.NewReader(&buf).ReadLine()
	require.NoError(t, json.Unmarshal(line, &rec))
	assert.Equal(t, MarkerLive, rec.Marker)
	assert.Equal(t, ModeLive, rec.Mode)
}

func TestHarnessWithoutTransportStaysShadow(t *testing.T) {
	h := NewHarness(HarnessConfig{Mode: ModeLive}, nil, nil, nil, nil, zerolog.Nop())
	assert.Equal(t, ModeShadow, h.Mode())
	assert.ErrorIs(t, h.SetMode(ModeCanary, "operator"), ErrInvalidMode)
}

func TestForceShadowLatches(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	defer bus.Close()
	transport := &countingTransport{}
	h := NewHarness(HarnessConfig{Mode: ModeCanary}, transport, nil, bus, nil, zerolog.Nop())

	h.ForceShadow("psi 0.4 on log_return")
	assert.Equal(t, ModeShadow, h.Mode())
	forced, reason := h.Forced()
	assert.True(t, forced)
	assert.Contains(t, reason, "psi")

	_, err := h.Execute(context.Background(), intent(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), transport.calls.Load())

	assert.ErrorIs(t, h.SetMode(ModeLive, "operator"), ErrForcedShadow)
	h.Release()
	require.NoError(t, h.SetMode(ModeLive, "operator"))
	assert.Equal(t, ModeLive, h.Mode())

	changes := bus.History(events.Query{Types: []events.Type{events.TypeModeChange}})
	require.Len(t, changes, 2)
	first := changes[0].Payload.(ModeChange)
	assert.Equal(t, ModeCanary, first.From)
	assert.True(t, first.Forced)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" canary ")
	require.NoError(t, err)
	assert.Equal(t, ModeCanary, m)
	_, err = ParseMode("paper")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func normal(seed int64, n int, mean float64) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + r.NormFloat64()
	}
	return out
}

func TestPSI(t *testing.T) {
	ref := normal(1, 2000, 0)
	assert.InDelta(t, 0, PSI(ref, ref, 10), 1e-12)
	assert.Less(t, PSI(ref, normal(2, 2000, 0), 10), 0.1)
	assert.Greater(t, PSI(ref, normal(3, 2000, 5), 10), 0.25)
}

func TestDriftDetectorForcesShadow(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	defer bus.Close()
	h := NewHarness(HarnessConfig{Mode: ModeLive}, &countingTransport{}, nil, bus, nil, zerolog.Nop())
	d := NewDriftDetector(DriftConfig{Bins: 10, Window: 1000, ReferenceSize: 1000, AlertThreshold: 0.1, DriftThreshold: 0.25}, bus, nil, zerolog.Nop())
	var fired atomic.Int32
	d.OnDrift(func(rep DriftReport) {
		fired.Add(1)
		h.ForceShadow(rep.String())
	})

	ref := normal(7, 1000, 0)
	for _, v := range ref {
		d.Observe(FeatureLogReturn, v)
	}
	// nothing to compare yet
	assert.Equal(t, DriftHealthy, d.Check().State)

	for _, v := range ref {
		d.Observe(FeatureLogReturn, v)
	}
	rep := d.Check()
	assert.Equal(t, DriftHealthy, rep.State)
	assert.InDelta(t, 0, rep.PSI[FeatureLogReturn], 1e-12)

	for _, v := range normal(8, 1000, 5) {
		d.Observe(FeatureLogReturn, v)
	}
	rep = d.Check()
	assert.Equal(t, DriftDetected, rep.State)
	assert.Greater(t, rep.Max, 0.25)
	assert.Equal(t, FeatureLogReturn, rep.Feature)
	d.Check()

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, ModeShadow, h.Mode())
	assert.Len(t, bus.History(events.Query{Types: []events.Type{events.TypeDriftAlert}}), 1)
}

func TestDriftPromoteAcceptsNewRegime(t *testing.T) {
	d := NewDriftDetector(DriftConfig{Bins: 10, Window: 1000, ReferenceSize: 1000}, nil, nil, zerolog.Nop())
	feed := func(values []float64) {
		for _, v := range values {
			d.Observe(FeatureLogReturn, v)
		}
	}
	feed(normal(7, 1000, 0))
	feed(normal(8, 1000, 5))
	require.Equal(t, DriftDetected, d.Check().State)

	d.Promote()
	assert.Equal(t, DriftHealthy, d.State())

	// the shifted regime is captured as the new reference
	feed(normal(9, 1000, 5))
	assert.Empty(t, d.Check().PSI)
	feed(normal(10, 1000, 5))
	rep := d.Check()
	assert.Equal(t, DriftHealthy, rep.State)
	assert.Contains(t, rep.PSI, FeatureLogReturn)
}

func TestFeatureExtractor(t *testing.T) {
	d := NewDriftDetector(DriftConfig{ReferenceSize: 1000}, nil, nil, zerolog.Nop())
	x := NewFeatureExtractor()
	x.Feed(d, market.Tick{Symbol: "EURUSD", Bid: 1.0, Ask: 1.0002})
	x.Feed(d, market.Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.features[FeatureSpreadBps].collecting, 2)
	require.Len(t, d.features[FeatureLogReturn].collecting, 1)
	assert.InDelta(t, 2, d.features[FeatureSpreadBps].collecting[0], 1e-3)
}

type scripted struct {
	name string
	dirs []strategy.Direction
	i    int
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Decide(t market.Tick) strategy.Signal {
	d := s.dirs[s.i]
	s.i++
	return strategy.Signal{Engine: s.name, Symbol: t.Symbol, Direction: d, Price: t.Mid()}
}

func TestModelComparator(t *testing.T) {
	base := &scripted{name: "base", dirs: []strategy.Direction{strategy.Buy, strategy.Flat, strategy.Sell, strategy.Flat}}
	chal := &scripted{name: "chal", dirs: []strategy.Direction{strategy.Sell, strategy.Flat, strategy.Sell, strategy.Flat}}
	c := NewModelComparator(base, chal)

	for _, p := range []float64{1.0, 1.1, 1.2, 1.0} {
		_, err := c.Observe(context.Background(), market.Tick{Symbol: "EURUSD", Bid: p, Ask: p})
		require.NoError(t, err)
	}
	s := c.Stats()
	assert.Equal(t, int64(4), s.Ticks)
	assert.Equal(t, int64(2), s.Decisions)
	assert.Equal(t, int64(1), s.Agreements)
	assert.InDelta(t, 0.5, s.AgreementRate, 1e-9)
	// long 1.0 -> 1.2, then short 1.2 marked at 1.0
	assert.InDelta(t, 0.4, s.BaselinePnL, 1e-9)
	assert.InDelta(t, 0, s.ChallengerPnL, 1e-9)
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Decide(market.Tick) strategy.Signal { panic("boom") }

func TestModelComparatorEnginePanic(t *testing.T) {
	c := NewModelComparator(panicky{}, &scripted{name: "ok", dirs: []strategy.Direction{strategy.Flat}})
	_, err := c.Observe(context.Background(), market.Tick{Symbol: "EURUSD", Bid: 1, Ask: 1})
	assert.ErrorContains(t, err, "panicked")
}

func TestParityLogRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parity", "parity.jsonl")
	p, err := OpenParityLog(path)
	require.NoError(t, err)
	require.NoError(t, p.Append(ParityRecord{Marker: MarkerShadow, OrderID: "a"}))

	rotated, err := p.Rotate(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, p.Append(ParityRecord{Marker: MarkerLive, OrderID: "b"}))
	require.NoError(t, p.Close())

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(t, old, MarkerShadow))
	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(t, cur, MarkerLive))
	assert.ErrorIs(t, p.Append(ParityRecord{}), os.ErrClosed)
}

package launcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/shadow"
	"execution-core/pkg/db"
)

func sealedRecord(t *testing.T) DecisionRecord {
	t.Helper()
	r := DecisionRecord{
		Model:      "momentum",
		Version:    "2026.03.1",
		Verdict:    VerdictGo,
		Confidence: 0.82,
		Symbols:    []string{"EURUSD"},
		Metrics:    map[string]float64{"sharpe": 1.4, "agreement": 0.71},
		CreatedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Seal())
	return r
}

func writeJSON(t *testing.T, r DecisionRecord) string {
	t.Helper()
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "decision.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func newLauncher(t *testing.T) (*Launcher, *db.Database) {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(Config{MinConfidence: 0.6, CanaryPositionFraction: 0.1, CanaryRampStep: 0.1, CanaryRampEvery: 2}, d, zerolog.Nop()), d
}

func TestLaunchAdmitsOnce(t *testing.T) {
	l, d := newLauncher(t)
	path := writeJSON(t, sealedRecord(t))

	launch, err := l.Launch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, shadow.ModeCanary, launch.Mode)
	assert.InDelta(t, 0.1, launch.Scaler.Fraction(), 1e-9)

	got, err := d.GetConsumedDecision(context.Background(), launch.Record.DecisionHash)
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = l.Launch(context.Background(), path)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestLaunchYAMLRecord(t *testing.T) {
	l, _ := newLauncher(t)
	raw, err := yaml.Marshal(sealedRecord(t))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "decision.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = l.Launch(context.Background(), path)
	require.NoError(t, err)
}

func TestLaunchRefusals(t *testing.T) {
	cases := map[string]struct {
		mutate func(*DecisionRecord)
		reseal bool
		want   error
	}{
		"tampered confidence": {mutate: func(r *DecisionRecord) { r.Confidence = 0.99 }, want: ErrHashMismatch},
		"tampered metrics":    {mutate: func(r *DecisionRecord) { r.Metrics["sharpe"] = 3 }, want: ErrHashMismatch},
		"bad hash":            {mutate: func(r *DecisionRecord) { r.DecisionHash = "deadbeef" }, want: ErrHashMismatch},
		"no go":               {mutate: func(r *DecisionRecord) { r.Verdict = VerdictNoGo }, reseal: true, want: ErrNotGo},
		"low confidence":      {mutate: func(r *DecisionRecord) { r.Confidence = 0.4 }, reseal: true, want: ErrLowConfidence},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			l, _ := newLauncher(t)
			r := sealedRecord(t)
			tc.mutate(&r)
			if tc.reseal {
				require.NoError(t, r.Seal())
			}
			_, err := l.Launch(context.Background(), writeJSON(t, r))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	l, _ := newLauncher(t)
	_, err := l.Launch(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoRecord)
	_, err = l.Launch(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRiskScaler(t *testing.T) {
	s := NewRiskScaler(ScalerConfig{InitialFraction: 0.1, RampStep: 0.25, RampEvery: 2})

	v, ok := s.Scale(0.35)
	require.True(t, ok)
	assert.Equal(t, 0.03, v)

	_, ok = s.Scale(0.05)
	assert.False(t, ok, "0.005 lots is below one step")

	for i := 0; i < 8; i++ {
		s.OnFill()
	}
	assert.Equal(t, 1.0, s.Fraction())
	v, ok = s.Scale(0.35)
	require.True(t, ok)
	assert.Equal(t, 0.35, v)

	s.Reset()
	assert.Equal(t, 0.1, s.Fraction())
	assert.Equal(t, 1.0, FullSize().Fraction())
}

type nopTransport struct{}

func (nopTransport) SendOrder(context.Context, order.SignedOrder, time.Duration) (order.ExecutionResult, error) {
	return order.ExecutionResult{Status: order.StatusFilled}, nil
}

type flag struct{ v bool }

func (f *flag) Halted() bool        { return f.v }
func (f *flag) ProlongedDown() bool { return f.v }

type driftFlag struct{ s shadow.DriftState }

func (d *driftFlag) State() shadow.DriftState { return d.s }

func newGuardianHarness(t *testing.T, bus *events.Bus) *shadow.Harness {
	t.Helper()
	return shadow.NewHarness(shadow.HarnessConfig{Mode: shadow.ModeCanary}, nopTransport{}, nil, bus, nil, zerolog.Nop())
}

func TestGuardianLatchesAndClears(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	defer bus.Close()
	h := newGuardianHarness(t, bus)
	lat := monitor.NewLatencyHistogram(100)
	dd := &flag{}
	link := &flag{}
	drift := &driftFlag{}
	scaler := NewRiskScaler(ScalerConfig{InitialFraction: 0.1, RampStep: 0.5, RampEvery: 1})
	scaler.OnFill()

	g := NewGuardian(GuardianConfig{MaxLatencyP99Ms: 100, MinLatencySamples: 5}, GuardianDeps{
		Latency: lat, Drift: drift, Risk: dd, Link: link, Switch: h, Scaler: scaler, Bus: bus,
	}, zerolog.Nop())

	assert.False(t, g.ShouldHalt())
	assert.False(t, g.Check())

	// a handful of slow samples is not enough evidence
	for i := 0; i < 4; i++ {
		lat.Record(500)
	}
	assert.False(t, g.ShouldHalt())
	lat.Record(500)
	assert.True(t, g.ShouldHalt())
	require.True(t, g.Check())

	halted, ev := g.Halted()
	assert.True(t, halted)
	assert.Equal(t, []string{CauseLatency}, ev.Causes)
	assert.Equal(t, shadow.ModeShadow, h.Mode())
	assert.InDelta(t, 0.1, scaler.Fraction(), 1e-9)
	assert.Len(t, bus.History(events.Query{Types: []events.Type{events.TypeGuardianHalt}}), 1)

	// checking again does not publish a second halt
	g.Check()
	assert.Len(t, bus.History(events.Query{Types: []events.Type{events.TypeGuardianHalt}}), 1)

	dd.v = true
	assert.ErrorIs(t, g.Clear("ops"), ErrHaltPersists)
	dd.v = false
	require.NoError(t, g.Clear("ops"))
	assert.Zero(t, lat.Stats().Count)
	assert.False(t, g.ShouldHalt())
	assert.Equal(t, shadow.ModeCanary, h.Mode())
	assert.Len(t, bus.History(events.Query{Types: []events.Type{events.TypeGuardianClear}}), 1)
}

func TestGuardianCauses(t *testing.T) {
	dd := &flag{}
	link := &flag{}
	drift := &driftFlag{}
	g := NewGuardian(GuardianConfig{}, GuardianDeps{Drift: drift, Risk: dd, Link: link}, zerolog.Nop())

	drift.s = shadow.DriftDetected
	dd.v = true
	link.v = true
	assert.Equal(t, []string{CauseDrift, CauseDrawdown, CauseLinkDown}, g.Evaluate().Causes)

	drift.s = shadow.DriftWarning
	dd.v = false
	link.v = false
	assert.False(t, g.ShouldHalt())
}

func TestGuardianOperatorHalt(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	defer bus.Close()
	h := newGuardianHarness(t, bus)
	g := NewGuardian(GuardianConfig{}, GuardianDeps{Switch: h, Bus: bus}, zerolog.Nop())

	g.Halt("alice", "")
	halted, ev := g.Halted()
	require.True(t, halted)
	assert.Equal(t, []string{CauseOperator}, ev.Causes)
	assert.Equal(t, string(shadow.ModeCanary), ev.Mode)
	assert.True(t, g.ShouldHalt())
	assert.Equal(t, shadow.ModeShadow, h.Mode())
	assert.Error(t, h.SetMode(shadow.ModeLive, "try"), "forced latch holds")

	require.NoError(t, g.Clear("alice"))
	assert.Equal(t, shadow.ModeCanary, h.Mode())
}

package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/shadow"
)

var ErrHaltPersists = errors.New("launcher: halt conditions still present")

// Halt causes.
const (
	CauseLatency  = "latency_p99"
	CauseDrift    = "drift"
	CauseDrawdown = "drawdown_halt"
	CauseLinkDown = "link_down"
	CauseOperator = "operator"
)

type (
	DriftSource interface{ State() shadow.DriftState }
	HaltSource  interface{ Halted() bool }
	LinkSource  interface{ ProlongedDown() bool }
)

// Switch is the part of the shadow harness the guardian drives.
type Switch interface {
	Mode() shadow.Mode
	SetMode(m shadow.Mode, reason string) error
	ForceShadow(reason string)
	Release()
}

type GuardianConfig struct {
	MaxLatencyP99Ms   float64
	MinLatencySamples int
	Interval          time.Duration
}

// HaltEvent is published when the guardian latches a halt.
type HaltEvent struct {
	Causes  []string `json:"causes"`
	Details []string `json:"details"`
	Mode    string   `json:"mode"`
}

func (h HaltEvent) String() string {
	return "guardian halt: " + strings.Join(h.Details, "; ")
}

// Guardian watches latency, drift, drawdown and link health. Any one over
// its limit latches a halt that puts the harness in shadow mode until an
// operator clears it.
type Guardian struct {
	cfg     GuardianConfig
	latency *monitor.LatencyHistogram
	drift   DriftSource
	risk    HaltSource
	link    LinkSource
	sw      Switch
	scaler  *RiskScaler
	bus     *events.Bus
	log     zerolog.Logger

	mu       sync.Mutex
	halted   bool
	last     HaltEvent
	resumeTo shadow.Mode
}

// GuardianDeps groups the guardian's inputs. Nil sources are ignored.
type GuardianDeps struct {
	Latency *monitor.LatencyHistogram
	Drift   DriftSource
	Risk    HaltSource
	Link    LinkSource
	Switch  Switch
	Scaler  *RiskScaler
	Bus     *events.Bus
}

func NewGuardian(cfg GuardianConfig, deps GuardianDeps, log zerolog.Logger) *Guardian {
	if cfg.MaxLatencyP99Ms <= 0 {
		cfg.MaxLatencyP99Ms = 250
	}
	if cfg.MinLatencySamples <= 0 {
		cfg.MinLatencySamples = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Guardian{
		cfg:     cfg,
		latency: deps.Latency,
		drift:   deps.Drift,
		risk:    deps.Risk,
		link:    deps.Link,
		sw:      deps.Switch,
		scaler:  deps.Scaler,
		bus:     deps.Bus,
		log:     log.With().Str("component", "guardian").Logger(),
	}
}

// Evaluate reports which limits are currently crossed.
func (g *Guardian) Evaluate() HaltEvent {
	var ev HaltEvent
	add := func(cause, detail string) {
		ev.Causes = append(ev.Causes, cause)
		ev.Details = append(ev.Details, detail)
	}
	if g.latency != nil {
		st := g.latency.Stats()
		if st.Count >= g.cfg.MinLatencySamples && st.P99 > g.cfg.MaxLatencyP99Ms {
			add(CauseLatency, fmt.Sprintf("p99 %.1fms over %.1fms", st.P99, g.cfg.MaxLatencyP99Ms))
		}
	}
	if g.drift != nil && g.drift.State() == shadow.DriftDetected {
		add(CauseDrift, "feature drift detected")
	}
	if g.risk != nil && g.risk.Halted() {
		add(CauseDrawdown, "drawdown monitor at HALT")
	}
	if g.link != nil && g.link.ProlongedDown() {
		add(CauseLinkDown, "gateway link down too long")
	}
	return ev
}

// ShouldHalt is true while a halt is latched or any limit is crossed.
// Workers call it before every submission.
func (g *Guardian) ShouldHalt() bool {
	g.mu.Lock()
	halted := g.halted
	g.mu.Unlock()
	return halted || len(g.Evaluate().Causes) > 0
}

// Halted reports the latched state only.
func (g *Guardian) Halted() (bool, HaltEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.last
}

// Check evaluates once and latches a halt if needed.
func (g *Guardian) Check() bool {
	ev := g.Evaluate()
	if len(ev.Causes) == 0 {
		return false
	}
	g.latch(ev)
	return true
}

// Halt latches a halt on operator request.
func (g *Guardian) Halt(operator, reason string) {
	if reason == "" {
		reason = "manual halt"
	}
	g.latch(HaltEvent{Causes: []string{CauseOperator}, Details: []string{operator + ": " + reason}})
}

func (g *Guardian) latch(ev HaltEvent) {
	g.mu.Lock()
	if g.halted {
		g.mu.Unlock()
		return
	}
	g.halted = true
	if g.sw != nil {
		ev.Mode = string(g.sw.Mode())
		g.resumeTo = g.sw.Mode()
	}
	g.last = ev
	g.mu.Unlock()

	g.log.Error().Strs("causes", ev.Causes).Strs("details", ev.Details).Msg("halting order submission")
	if g.sw != nil {
		g.sw.ForceShadow(ev.String())
	}
	if g.scaler != nil {
		g.scaler.Reset()
	}
	if g.bus != nil {
		g.bus.Publish(events.TypeGuardianHalt, "", ev)
	}
}

// Clear drops a latched halt once every limit is back within bounds and
// restores the mode that was active when the halt latched. The latency
// window restarts empty: nothing is sent while halted, so the old samples
// would never age out.
func (g *Guardian) Clear(operator string) error {
	if g.latency != nil {
		g.latency.Reset()
	}
	if ev := g.Evaluate(); len(ev.Causes) > 0 {
		return fmt.Errorf("%w: %s", ErrHaltPersists, strings.Join(ev.Details, "; "))
	}
	g.mu.Lock()
	wasHalted := g.halted
	resume := g.resumeTo
	g.halted = false
	g.last = HaltEvent{}
	g.resumeTo = ""
	g.mu.Unlock()

	if g.sw != nil {
		g.sw.Release()
		if resume.Trades() {
			if err := g.sw.SetMode(resume, "halt cleared by "+operator); err != nil {
				return err
			}
		}
	}
	if wasHalted {
		g.log.Warn().Str("operator", operator).Msg("halt cleared")
		if g.bus != nil {
			g.bus.Publish(events.TypeGuardianClear, "", map[string]string{"operator": operator})
		}
	}
	return nil
}

// Run checks every Interval until ctx is done.
func (g *Guardian) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Check()
		}
	}
}

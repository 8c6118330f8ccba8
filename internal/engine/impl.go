package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/launcher"
	"execution-core/internal/monitor"
	"execution-core/internal/protocol"
	"execution-core/internal/risk"
	"execution-core/internal/shadow"
	"execution-core/pkg/db"
)

var (
	ErrNoStore = errors.New("engine: audit store not configured")
	ErrNoDrift = errors.New("engine: drift detector not configured")
)

// LinkState is satisfied by protocol.HealthMonitor.
type LinkState interface {
	State() protocol.LinkState
}

// Impl implements Service by composing the running Brain components.
type Impl struct {
	risk        *risk.Manager
	harness     *shadow.Harness
	guardian    *launcher.Guardian
	drift       *shadow.DriftDetector
	link        LinkState
	latency     *monitor.LatencyHistogram
	scaler      *launcher.RiskScaler
	bus         *events.Bus
	db          *db.Database
	comparators map[string]*shadow.ModelComparator
	meta        Meta
	log         zerolog.Logger
	now         func() time.Time
}

// Config holds the components an Impl reads from. Drift, Link, Latency,
// Scaler, DB and Comparators are optional.
type Config struct {
	Risk        *risk.Manager
	Harness     *shadow.Harness
	Guardian    *launcher.Guardian
	Drift       *shadow.DriftDetector
	Link        LinkState
	Latency     *monitor.LatencyHistogram
	Scaler      *launcher.RiskScaler
	Bus         *events.Bus
	DB          *db.Database
	Comparators map[string]*shadow.ModelComparator
	Meta        Meta
}

func NewImpl(cfg Config, log zerolog.Logger) *Impl {
	return &Impl{
		risk:        cfg.Risk,
		harness:     cfg.Harness,
		guardian:    cfg.Guardian,
		drift:       cfg.Drift,
		link:        cfg.Link,
		latency:     cfg.Latency,
		scaler:      cfg.Scaler,
		bus:         cfg.Bus,
		db:          cfg.DB,
		comparators: cfg.Comparators,
		meta:        cfg.Meta,
		log:         log.With().Str("component", "operator").Logger(),
		now:         time.Now,
	}
}

// --- Queries ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := &SystemStatus{
		Mode:           string(e.harness.Mode()),
		DrawdownHalt:   e.risk.Halted(),
		CanaryFraction: 1,
		Symbols:        e.meta.Symbols,
		Feed:           e.meta.Feed,
		Version:        e.meta.Version,
		ServerTime:     e.now().UTC(),
		Decision:       e.meta.Decision,
		Link:           string(protocol.LinkDown),
	}
	st.Forced, st.ForcedReason = e.harness.Forced()
	if e.guardian != nil {
		halted, ev := e.guardian.Halted()
		st.Halted = halted
		st.HaltCauses = ev.Causes
		st.HaltDetails = ev.Details
	}
	if e.link != nil {
		st.Link = string(e.link.State())
	}
	if e.scaler != nil {
		st.CanaryFraction = e.scaler.Fraction()
	}
	if e.latency != nil {
		st.Latency = e.latency.Stats()
	}
	if e.drift != nil {
		rep := e.drift.Last()
		st.Drift = &DriftInfo{
			State:     rep.State.String(),
			Max:       rep.Max,
			Feature:   rep.Feature,
			PSI:       rep.PSI,
			CheckedAt: rep.CheckedAt,
		}
	}
	if len(e.comparators) > 0 {
		st.Comparisons = make(map[string]shadow.ComparatorStats, len(e.comparators))
		for sym, c := range e.comparators {
			st.Comparisons[sym] = c.Stats()
		}
	}
	return st
}

func (e *Impl) GetRiskSnapshot(ctx context.Context) risk.Snapshot {
	return e.risk.Snapshot()
}

// ListEvents returns bus events, oldest first. Stored queries read the
// audit store, which survives restarts but lags the bus by one flush.
func (e *Impl) ListEvents(ctx context.Context, q EventQuery) ([]events.Event, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	if !q.Stored {
		eq := events.Query{Symbol: q.Symbol, Limit: q.Limit}
		if q.Type != "" {
			eq.Types = []events.Type{events.Type(q.Type)}
		}
		return e.bus.History(eq), nil
	}
	if e.db == nil {
		return nil, ErrNoStore
	}
	rows, err := e.db.ListRiskEvents(ctx, q.Type, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("engine: list events: %w", err)
	}
	out := make([]events.Event, 0, len(rows))
	// rows come newest first
	for i := len(rows) - 1; i >= 0; i-- {
		if q.Symbol != "" && rows[i].Symbol != q.Symbol {
			continue
		}
		out = append(out, eventFromRecord(rows[i]))
	}
	return out, nil
}

func (e *Impl) ListExecutions(ctx context.Context, symbol string, limit int) ([]db.Execution, error) {
	if e.db == nil {
		return nil, ErrNoStore
	}
	return e.db.ListExecutions(ctx, symbol, limit)
}

// --- Commands ---

func (e *Impl) ClearHalt(ctx context.Context, operator string) error {
	if err := e.guardian.Clear(operator); err != nil {
		return err
	}
	e.record(OperatorAction{Operator: operator, Action: "clear_halt"})
	return nil
}

func (e *Impl) ResetDrawdown(ctx context.Context, operator string) error {
	e.risk.ResetDrawdown()
	e.record(OperatorAction{Operator: operator, Action: "reset_drawdown"})
	return nil
}

func (e *Impl) ResetBreaker(ctx context.Context, symbol, operator string) error {
	if err := e.risk.ResetBreaker(symbol); err != nil {
		return err
	}
	e.record(OperatorAction{Operator: operator, Action: "reset_breaker", Target: symbol})
	return nil
}

// ForceShadow latches a guardian halt, so leaving shadow again goes
// through ClearHalt like any other halt.
func (e *Impl) ForceShadow(ctx context.Context, operator, reason string) error {
	e.guardian.Halt(operator, reason)
	e.record(OperatorAction{Operator: operator, Action: "force_shadow", Reason: reason})
	return nil
}

// RebaseDrift recaptures the drift reference from the next observations.
// A drift halt still needs ClearHalt afterwards.
func (e *Impl) RebaseDrift(ctx context.Context, operator string) error {
	if e.drift == nil {
		return ErrNoDrift
	}
	e.drift.Promote()
	e.record(OperatorAction{Operator: operator, Action: "rebase_drift"})
	return nil
}

func (e *Impl) record(a OperatorAction) {
	e.log.Warn().Str("operator", a.Operator).Str("action", a.Action).Str("target", a.Target).
		Str("reason", a.Reason).Msg("operator action")
	if e.bus != nil {
		e.bus.Publish(events.TypeOperatorAction, a.Target, a)
	}
}

package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/protocol"
	"execution-core/internal/risk"
)

// Monitor watches the event bus, keeps the Prometheus gauges current and
// raises operator alerts for breaker trips, drawdown escalation, drift
// alerts, guardian halts and link loss.
type Monitor struct {
	bus   *events.Bus
	rec   *Recorder
	sinks []AlertSink
	log   zerolog.Logger
	unsub func()
}

func New(bus *events.Bus, rec *Recorder, log zerolog.Logger, sinks ...AlertSink) *Monitor {
	return &Monitor{bus: bus, rec: rec, sinks: sinks, log: log}
}

// Start subscribes to the bus.
func (m *Monitor) Start() {
	if m.bus == nil {
		m.log.Warn().Msg("monitor has no bus; skipping")
		return
	}
	m.unsub = m.bus.Subscribe("monitor", 1024, m.handle)
}

func (m *Monitor) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
}

func (m *Monitor) handle(e events.Event) {
	switch p := e.Payload.(type) {
	case risk.DecisionEvent:
		code := ""
		if len(p.Reasons) > 0 {
			code = string(p.Reasons[0].Code)
		}
		m.metrics(func(r *Recorder) { r.RecordDecision(string(p.Decision), code) })
	case risk.TradeOutcome:
		m.metrics(func(r *Recorder) { r.RecordOutcome(string(p.Kind), string(p.Result.Status)) })
	case risk.BreakerEvent:
		m.metrics(func(r *Recorder) { r.SetBreakerState(p.Symbol, int(p.To)) })
		if p.To == risk.StateOpen {
			m.alert(e, fmt.Sprintf("circuit breaker OPEN on %s (%s)", p.Symbol, p.Cause))
		}
	case risk.DrawdownEvent:
		m.metrics(func(r *Recorder) { r.SetDrawdown(int(p.To), p.DrawdownPct) })
		if p.To >= risk.LevelCritical && p.To > p.From {
			m.alert(e, fmt.Sprintf("drawdown %s at %.2f%% (equity %.2f, peak %.2f)", p.To, p.DrawdownPct, p.Equity, p.PeakEquity))
		}
	case protocol.LinkEvent:
		m.metrics(func(r *Recorder) { r.SetLinkUp(p.State == protocol.LinkUp) })
		if p.State == protocol.LinkDown {
			m.alert(e, fmt.Sprintf("gateway link DOWN after %d missed heartbeats", p.Missed))
		}
	default:
		switch e.Type {
		case events.TypeDriftAlert, events.TypeGuardianHalt, events.TypeModeChange, events.TypeOperatorAction:
			m.alert(e, describe(e.Payload))
		case events.TypeGuardianClear:
			m.metrics(func(r *Recorder) { r.SetHalted(false) })
		}
	}
}

func (m *Monitor) metrics(fn func(*Recorder)) {
	if m.rec != nil {
		fn(m.rec)
	}
}

func (m *Monitor) alert(e events.Event, msg string) {
	if e.Type == events.TypeGuardianHalt {
		m.metrics(func(r *Recorder) { r.SetHalted(true) })
	}
	line := formatAlert(e, msg)
	for _, s := range m.sinks {
		if err := s.Send(line); err != nil {
			m.log.Warn().Err(err).Msg("alert delivery failed")
		}
	}
}

func formatAlert(e events.Event, msg string) string {
	return "[" + e.Time.UTC().Format(time.RFC3339) + "] " + string(e.Type) + ": " + msg
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "alert triggered"
	}
	return string(b)
}

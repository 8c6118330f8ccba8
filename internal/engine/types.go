package engine

import (
	"encoding/json"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/shadow"
	"execution-core/pkg/db"
)

// SystemStatus is the runtime picture exposed to operators.
type SystemStatus struct {
	Mode           string    `json:"mode"`
	Forced         bool      `json:"forced_shadow"`
	ForcedReason   string    `json:"forced_reason,omitempty"`
	Halted         bool      `json:"halted"`
	HaltCauses     []string  `json:"halt_causes,omitempty"`
	HaltDetails    []string  `json:"halt_details,omitempty"`
	Link           string    `json:"link"`
	DrawdownHalt   bool      `json:"drawdown_halt"`
	CanaryFraction float64   `json:"canary_fraction"`
	Symbols        []string  `json:"symbols"`
	Feed           string    `json:"feed"`
	Version        string    `json:"version"`
	ServerTime     time.Time `json:"server_time"`

	Decision    *DecisionInfo                     `json:"decision,omitempty"`
	Drift       *DriftInfo                        `json:"drift,omitempty"`
	Latency     monitor.LatencyStats              `json:"latency"`
	Comparisons map[string]shadow.ComparatorStats `json:"comparisons,omitempty"`
}

// DecisionInfo names the DecisionRecord the Brain launched with.
type DecisionInfo struct {
	Model      string  `json:"model"`
	Version    string  `json:"version"`
	Confidence float64 `json:"confidence"`
	Hash       string  `json:"decision_hash"`
}

type DriftInfo struct {
	State     string             `json:"state"`
	Max       float64            `json:"max_psi"`
	Feature   string             `json:"feature,omitempty"`
	PSI       map[string]float64 `json:"psi,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

// Meta is the static part of SystemStatus.
type Meta struct {
	Symbols  []string
	Feed     string
	Version  string
	Decision *DecisionInfo
}

// EventQuery selects from the live history or, with Stored set, from the
// audit store.
type EventQuery struct {
	Type   string
	Symbol string
	Limit  int
	Stored bool
}

// OperatorAction is published on the bus for every operator command.
type OperatorAction struct {
	Operator string `json:"operator"`
	Action   string `json:"action"`
	Target   string `json:"target,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (a OperatorAction) String() string {
	s := a.Operator + " " + a.Action
	if a.Target != "" {
		s += " " + a.Target
	}
	return s
}

// eventFromRecord maps a stored audit row back to an event.
func eventFromRecord(r db.RiskEvent) events.Event {
	e := events.Event{Seq: r.Seq, Type: events.Type(r.Type), Symbol: r.Symbol, Time: r.Time}
	if r.Payload != "" {
		e.Payload = json.RawMessage(r.Payload)
	}
	return e
}

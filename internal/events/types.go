package events

import "time"

// Type enumerates the topics carried on the risk event bus.
type Type string

const (
	TypeRiskDecision   Type = "risk.decision"
	TypeTradeOutcome   Type = "trade.outcome"
	TypeBreakerState   Type = "risk.breaker_state"
	TypeDrawdownLevel  Type = "risk.drawdown_level"
	TypeDriftWarning   Type = "shadow.drift_warning"
	TypeDriftAlert     Type = "shadow.drift_alert"
	TypeModeChange     Type = "shadow.mode_change"
	TypeGuardianHalt   Type = "guardian.halt"
	TypeGuardianClear  Type = "guardian.clear"
	TypeLinkState      Type = "protocol.link_state"
	TypeOperatorAction Type = "operator.action"
)

// Event is one published fact. Seq is assigned by the bus and is strictly
// increasing in publish order.
type Event struct {
	Seq     uint64    `json:"seq"`
	Type    Type      `json:"type"`
	Symbol  string    `json:"symbol,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Query filters the bus history.
type Query struct {
	Types  []Type
	Symbol string
	Since  time.Time
	// Limit keeps the newest N matches; zero means no limit.
	Limit int
}

func (q Query) match(e Event) bool {
	if q.Symbol != "" && e.Symbol != q.Symbol {
		return false
	}
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

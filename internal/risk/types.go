package risk

import (
	"time"

	"execution-core/internal/order"
)

// Decision is the verdict of ValidateOrder.
type Decision string

const (
	Pass   Decision = "PASS"
	Reject Decision = "REJECT"
)

// Layer names, in evaluation order.
const (
	LayerBreaker  = "circuit_breaker"
	LayerDrawdown = "drawdown"
	LayerExposure = "exposure"
)

// ReasonCode is the machine-readable part of a rejection.
type ReasonCode string

const (
	CodeInvalidOrder     ReasonCode = "INVALID_ORDER"
	CodeBreakerOpen      ReasonCode = "BREAKER_OPEN"
	CodeProbeInFlight    ReasonCode = "BREAKER_PROBE_IN_FLIGHT"
	CodeDrawdownHalt     ReasonCode = "DRAWDOWN_HALT"
	CodeDrawdownCritical ReasonCode = "DRAWDOWN_CRITICAL"
	CodeAccountUnknown   ReasonCode = "ACCOUNT_UNKNOWN"
	CodeSymbolExposure   ReasonCode = "SYMBOL_EXPOSURE_EXCEEDED"
	CodeTotalExposure    ReasonCode = "TOTAL_EXPOSURE_EXCEEDED"
	CodeLayerFault       ReasonCode = "LAYER_FAULT"
)

// Reason explains a rejection.
type Reason struct {
	Layer   string     `json:"layer"`
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// Level is the account drawdown severity.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelHalt
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	case LevelHalt:
		return "HALT"
	}
	return "UNKNOWN"
}

// MarshalText renders the level name in JSON.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// BreakerState is a circuit breaker position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name in JSON.
func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config holds the limits for all three layers. Percentages are in percent
// units (7 means 7%).
type Config struct {
	MaxConsecutiveLosses int
	MaxLossAmount        float64
	MaxLossPercentage    float64
	Cooldown             time.Duration

	DrawdownWarningPct  float64
	DrawdownCriticalPct float64
	DrawdownHaltPct     float64

	MaxTotalExposurePct  float64
	MaxSinglePositionPct float64
	DefaultContractSize  float64
	ContractSizes        map[string]float64
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveLosses: 3,
		MaxLossAmount:        500,
		MaxLossPercentage:    2,
		Cooldown:             5 * time.Minute,
		DrawdownWarningPct:   3,
		DrawdownCriticalPct:  5,
		DrawdownHaltPct:      7,
		MaxTotalExposurePct:  150,
		MaxSinglePositionPct: 50,
		DefaultContractSize:  1,
	}
}

func (c Config) contractSize(symbol string) float64 {
	if v, ok := c.ContractSizes[symbol]; ok && v > 0 {
		return v
	}
	if c.DefaultContractSize > 0 {
		return c.DefaultContractSize
	}
	return 1
}

// TradeKind separates position opens from closes.
type TradeKind string

const (
	KindOpen  TradeKind = "OPEN"
	KindClose TradeKind = "CLOSE"
)

// TradeOutcome is an execution result enriched with what the risk state
// needs to book it.
type TradeOutcome struct {
	OrderID string                `json:"order_id"`
	Symbol  string                `json:"symbol"`
	Side    order.Side            `json:"side"`
	Kind    TradeKind             `json:"kind"`
	Volume  float64               `json:"volume"`
	Result  order.ExecutionResult `json:"result"`
	// Notional is the position value opened or released.
	Notional float64 `json:"notional"`
}

// DecisionEvent is published for every ValidateOrder call.
type DecisionEvent struct {
	OrderID  string     `json:"order_id"`
	Symbol   string     `json:"symbol"`
	Side     order.Side `json:"side"`
	Volume   float64    `json:"volume"`
	Decision Decision   `json:"decision"`
	Reasons  []Reason   `json:"reasons,omitempty"`
}

// BreakerEvent is published on every breaker transition.
type BreakerEvent struct {
	Symbol string       `json:"symbol"`
	From   BreakerState `json:"from"`
	To     BreakerState `json:"to"`
	Cause  string       `json:"cause"`
}

// DrawdownEvent is published when the drawdown level changes.
type DrawdownEvent struct {
	From        Level   `json:"from"`
	To          Level   `json:"to"`
	DrawdownPct float64 `json:"drawdown_pct"`
	Equity      float64 `json:"equity"`
	PeakEquity  float64 `json:"peak_equity"`
}

// AccountState is a read-only view of the account side of risk.
type AccountState struct {
	Balance            float64   `json:"balance"`
	Equity             float64   `json:"equity"`
	PeakEquity         float64   `json:"peak_equity"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"`
	Level              Level     `json:"level"`
	UpdatedAt          time.Time `json:"updated_at"`
}

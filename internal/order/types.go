package order

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(v string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(v))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("order: unknown side %q", v)
}

var (
	ErrEmptySymbol   = errors.New("order: empty symbol")
	ErrInvalidVolume = errors.New("order: volume must be positive")
	ErrInvalidSide   = errors.New("order: side must be BUY or SELL")
	ErrMissingID     = errors.New("order: missing client_request_id")
)

// Order is the intent to open a position. It is treated as immutable once
// built; ID doubles as the idempotency key on the gateway.
type Order struct {
	ID         string    `json:"client_request_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	// Price is the reference mark used for notional checks.
	Price     float64   `json:"price,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields every layer relies on.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return ErrMissingID
	case o.Symbol == "":
		return ErrEmptySymbol
	case o.Volume <= 0:
		return ErrInvalidVolume
	case o.Side != SideBuy && o.Side != SideSell:
		return ErrInvalidSide
	}
	return nil
}

// SignedOrder is an Order carrying a risk pass token.
type SignedOrder struct {
	Order
	Signature  string `json:"signature"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// CloseRequest asks the gateway to close (part of) an open ticket.
type CloseRequest struct {
	ID     string  `json:"client_request_id"`
	Ticket string  `json:"ticket"`
	Symbol string  `json:"symbol"`
	Volume float64 `json:"volume"`
}

// Status is the outcome class of an execution attempt.
type Status string

const (
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
	StatusTimeout  Status = "TIMEOUT"
	StatusError    Status = "ERROR"
)

// Machine-readable error codes shared by both ends of the link.
const (
	CodeExpired           = "SIGNATURE_EXPIRED"
	CodeChecksumMismatch  = "CHECKSUM_MISMATCH"
	CodeMalformed         = "MALFORMED_SIGNATURE"
	CodeMalformedMessage  = "MALFORMED_MESSAGE"
	CodeDuplicateInFlight = "DUPLICATE_IN_FLIGHT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeBrokerTimeout     = "BROKER_TIMEOUT"
	CodeBrokerError       = "BROKER_ERROR"
	CodeReplyTimeout      = "REPLY_TIMEOUT"
	CodeLinkLost          = "LINK_LOST_AWAITING_REPLY"
	CodeLinkDown          = "LINK_DOWN"
	CodeUnknownType       = "UNKNOWN_MESSAGE_TYPE"
)

// ExecutionResult is what the gateway reports for one request.
type ExecutionResult struct {
	RequestID    string  `json:"uuid"`
	Status       Status  `json:"status"`
	Ticket       string  `json:"ticket,omitempty"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	ClosePrice   float64 `json:"close_price,omitempty"`
	Profit       float64 `json:"profit,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	Error        string  `json:"error,omitempty"`
	NonFinancial bool    `json:"non_financial,omitempty"`
	LatencyMs    float64 `json:"latency_ms"`
}

// Filled reports whether the broker confirmed execution.
func (r ExecutionResult) Filled() bool { return r.Status == StatusFilled }

// Package broker abstracts the execution venue the gateway routes verified orders to.
package broker

import (
	"context"
	"errors"
	"fmt"

	"execution-core/internal/order"
)

var (
	ErrUnknownTicket = errors.New("broker: unknown ticket")
	ErrNoPrice       = errors.New("broker: no price for symbol")
)

// Error codes reported by adapters.
const (
	CodeInvalidSymbol = "INVALID_SYMBOL"
	CodeInvalidVolume = "INVALID_VOLUME"
	CodeNoPrice       = "NO_PRICE"
	CodeUnknownTicket = "UNKNOWN_TICKET"
	CodeNoMargin      = "NOT_ENOUGH_MONEY"
	CodeRejected      = "BROKER_REJECTED"
)

// Adapter is the venue the gateway executes against.
type Adapter interface {
	PlaceOrder(ctx context.Context, o order.Order) (Fill, error)
	ClosePosition(ctx context.Context, req order.CloseRequest) (CloseFill, error)
	GetAccountInfo(ctx context.Context) (AccountSnapshot, error)
}

type Fill struct {
	Ticket string
	Price  float64
}

type CloseFill struct {
	Price  float64
	Profit float64
}

// AccountSnapshot is the broker's view of the trading account.
type AccountSnapshot struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
}

// Error is a refusal reported by the venue. NonFinancial marks refusals
// that provably changed nothing on the account (bad symbol, bad volume).
type Error struct {
	Code         string
	Message      string
	NonFinancial bool
	Err          error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker %s", e.Code)
	}
	return fmt.Sprintf("broker %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err. Unknown errors are reported as
// financial BROKER_REJECTED failures.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Code: CodeRejected, Message: err.Error(), Err: err}
}

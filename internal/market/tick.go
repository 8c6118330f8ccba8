// Package market carries price ticks from a feed to the per-symbol workers.
package market

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidTick = errors.New("market: invalid tick")

// Tick is a top-of-book quote.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

func (t Tick) Mid() float64 { return (t.Bid + t.Ask) / 2 }

func (t Tick) Spread() float64 { return t.Ask - t.Bid }

// Validate rejects crossed or non-positive quotes.
func (t Tick) Validate() error {
	if t.Symbol == "" || t.Bid <= 0 || t.Ask <= 0 || t.Ask < t.Bid {
		return ErrInvalidTick
	}
	return nil
}

// Source produces ticks until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, emit func(Tick)) error
}

package shadow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"execution-core/internal/market"
	"execution-core/internal/strategy"
)

// Comparison is the pair of decisions made for one tick.
type Comparison struct {
	Baseline   strategy.Signal `json:"baseline"`
	Challenger strategy.Signal `json:"challenger"`
	Agree      bool            `json:"agree"`
}

// ComparatorStats summarises a comparator run. Agreement only counts ticks
// where at least one engine wanted a position.
type ComparatorStats struct {
	Ticks         int64   `json:"ticks"`
	Decisions     int64   `json:"decisions"`
	Agreements    int64   `json:"agreements"`
	AgreementRate float64 `json:"agreement_rate"`
	BaselinePnL   float64 `json:"baseline_pnl"`
	ChallengerPnL float64 `json:"challenger_pnl"`
}

// paperBook tracks a one-unit hypothetical position per symbol.
type paperBook struct {
	pos      map[string]int
	entry    map[string]float64
	last     map[string]float64
	realized float64
}

func newPaperBook() *paperBook {
	return &paperBook{pos: map[string]int{}, entry: map[string]float64{}, last: map[string]float64{}}
}

func (b *paperBook) apply(s strategy.Signal, price float64) {
	b.last[s.Symbol] = price
	var want int
	switch s.Direction {
	case strategy.Buy:
		want = 1
	case strategy.Sell:
		want = -1
	default:
		return
	}
	cur := b.pos[s.Symbol]
	if cur == want {
		return
	}
	if cur != 0 {
		b.realized += float64(cur) * (price - b.entry[s.Symbol])
	}
	b.pos[s.Symbol] = want
	b.entry[s.Symbol] = price
}

func (b *paperBook) pnl() float64 {
	total := b.realized
	for sym, p := range b.pos {
		if p != 0 {
			total += float64(p) * (b.last[sym] - b.entry[sym])
		}
	}
	return total
}

// ModelComparator feeds the same ticks to a baseline and a challenger
// engine and scores them against each other. Neither engine trades.
type ModelComparator struct {
	baseline   strategy.Engine
	challenger strategy.Engine

	mu         sync.Mutex
	ticks      int64
	decisions  int64
	agreements int64
	books      [2]*paperBook
}

func NewModelComparator(baseline, challenger strategy.Engine) *ModelComparator {
	return &ModelComparator{
		baseline:   baseline,
		challenger: challenger,
		books:      [2]*paperBook{newPaperBook(), newPaperBook()},
	}
}

// Observe runs both engines on t concurrently. Calls must not overlap for
// the same comparator.
func (c *ModelComparator) Observe(ctx context.Context, t market.Tick) (Comparison, error) {
	var cmp Comparison
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return decide(c.baseline, t, &cmp.Baseline) })
	g.Go(func() error { return decide(c.challenger, t, &cmp.Challenger) })
	if err := g.Wait(); err != nil {
		return cmp, err
	}
	cmp.Agree = cmp.Baseline.Direction == cmp.Challenger.Direction

	price := t.Mid()
	c.mu.Lock()
	c.ticks++
	if cmp.Baseline.Actionable() || cmp.Challenger.Actionable() {
		c.decisions++
		if cmp.Agree {
			c.agreements++
		}
	}
	c.books[0].apply(cmp.Baseline, price)
	c.books[1].apply(cmp.Challenger, price)
	c.mu.Unlock()
	return cmp, nil
}

func decide(e strategy.Engine, t market.Tick, out *strategy.Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shadow: engine %s panicked: %v", e.Name(), r)
		}
	}()
	*out = e.Decide(t)
	return nil
}

func (c *ModelComparator) Stats() ComparatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ComparatorStats{
		Ticks:         c.ticks,
		Decisions:     c.decisions,
		Agreements:    c.agreements,
		BaselinePnL:   c.books[0].pnl(),
		ChallengerPnL: c.books[1].pnl(),
	}
	if c.decisions > 0 {
		s.AgreementRate = float64(c.agreements) / float64(c.decisions)
	}
	return s
}

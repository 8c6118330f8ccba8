package market

import (
	"context"
	"math/rand"
	"time"
)

// MockFeed generates random-walk ticks for local development and the
// paper gateway.
type MockFeed struct {
	Symbols    []string
	StartPrice float64
	Step       float64 // max absolute move per tick
	Spread     float64
	Interval   time.Duration
	Seed       int64
}

func (m *MockFeed) defaults() {
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"EURUSD"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 1.085
	}
	if m.Step == 0 {
		m.Step = m.StartPrice * 0.0002
	}
	if m.Spread == 0 {
		m.Spread = m.StartPrice * 0.0001
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	if m.Seed == 0 {
		m.Seed = time.Now().UnixNano()
	}
}

func (m *MockFeed) Run(ctx context.Context, emit func(Tick)) error {
	m.defaults()
	rng := rand.New(rand.NewSource(m.Seed))
	prices := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
	}

	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			for _, sym := range m.Symbols {
				// simple random walk, kept above one spread
				p := prices[sym] + (rng.Float64()*2-1)*m.Step
				if p <= m.Spread {
					p = m.Spread * 2
				}
				prices[sym] = p
				emit(Tick{
					Symbol:    sym,
					Bid:       p - m.Spread/2,
					Ask:       p + m.Spread/2,
					Timestamp: now.UTC(),
				})
			}
		}
	}
}

package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/order"
)

// QuoteSource returns the current bid/ask for a symbol.
type QuoteSource interface {
	Quote(symbol string) (bid, ask float64, ok bool)
}

// QuoteFunc adapts a function to QuoteSource.
type QuoteFunc func(symbol string) (float64, float64, bool)

func (f QuoteFunc) Quote(symbol string) (float64, float64, bool) { return f(symbol) }

type PaperConfig struct {
	Balance      float64
	Currency     string
	Symbols      []string // empty allows any symbol
	ContractSize func(symbol string) float64
	SlippageBps  float64
	LatencyMin   time.Duration
	LatencyMax   time.Duration
	Leverage     float64
}

type paperPosition struct {
	symbol       string
	side         order.Side
	volume       float64
	openPrice    float64
	contractSize float64
}

// Paper is an in-memory venue that fills at the current quote.
type Paper struct {
	cfg    PaperConfig
	quotes QuoteSource

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*paperPosition
	allowed   map[string]bool
	rng       *rand.Rand
	seq       int64

	placeCalls atomic.Int64
	closeCalls atomic.Int64
}

func NewPaper(cfg PaperConfig, quotes QuoteSource) *Paper {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.ContractSize == nil {
		cfg.ContractSize = func(string) float64 { return 1 }
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 100
	}
	if cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	p := &Paper{
		cfg:       cfg,
		quotes:    quotes,
		balance:   decimal.NewFromFloat(cfg.Balance),
		positions: make(map[string]*paperPosition),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if len(cfg.Symbols) > 0 {
		p.allowed = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			p.allowed[s] = true
		}
	}
	return p
}

// PlaceCalls reports how many PlaceOrder calls reached the venue.
func (p *Paper) PlaceCalls() int64 { return p.placeCalls.Load() }

func (p *Paper) CloseCalls() int64 { return p.closeCalls.Load() }

func (p *Paper) PlaceOrder(ctx context.Context, o order.Order) (Fill, error) {
	p.placeCalls.Add(1)
	if err := p.simulateLatency(ctx); err != nil {
		return Fill{}, err
	}
	if p.allowed != nil && !p.allowed[o.Symbol] {
		return Fill{}, &Error{Code: CodeInvalidSymbol, Message: o.Symbol, NonFinancial: true}
	}
	if o.Volume <= 0 {
		return Fill{}, &Error{Code: CodeInvalidVolume, Message: fmt.Sprintf("%v", o.Volume), NonFinancial: true}
	}
	price, ok := p.entryPrice(o.Symbol, o.Side, o.Price)
	if !ok {
		return Fill{}, &Error{Code: CodeNoPrice, Message: o.Symbol, NonFinancial: true, Err: ErrNoPrice}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cs := p.cfg.ContractSize(o.Symbol)
	required := decimal.NewFromFloat(o.Volume).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(cs)).
		Div(decimal.NewFromFloat(p.cfg.Leverage))
	if required.Add(p.marginLocked()).GreaterThan(p.equityLocked()) {
		return Fill{}, &Error{Code: CodeNoMargin, Message: required.StringFixed(2), NonFinancial: true}
	}

	p.seq++
	ticket := fmt.Sprintf("%d", 100000+p.seq)
	p.positions[ticket] = &paperPosition{
		symbol:       o.Symbol,
		side:         o.Side,
		volume:       o.Volume,
		openPrice:    price,
		contractSize: cs,
	}
	return Fill{Ticket: ticket, Price: price}, nil
}

func (p *Paper) ClosePosition(ctx context.Context, req order.CloseRequest) (CloseFill, error) {
	p.closeCalls.Add(1)
	if err := p.simulateLatency(ctx); err != nil {
		return CloseFill{}, err
	}

	p.mu.Lock()
	pos, ok := p.positions[req.Ticket]
	p.mu.Unlock()
	if !ok {
		return CloseFill{}, &Error{Code: CodeUnknownTicket, Message: req.Ticket, NonFinancial: true, Err: ErrUnknownTicket}
	}

	price, ok := p.entryPrice(pos.symbol, pos.side.Opposite(), 0)
	if !ok {
		return CloseFill{}, &Error{Code: CodeNoPrice, Message: pos.symbol, NonFinancial: true, Err: ErrNoPrice}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, still := p.positions[req.Ticket]; !still {
		return CloseFill{}, &Error{Code: CodeUnknownTicket, Message: req.Ticket, NonFinancial: true, Err: ErrUnknownTicket}
	}

	volume := pos.volume
	if req.Volume > 0 && req.Volume < volume {
		volume = req.Volume
	}
	profit := positionPnL(pos, volume, price)
	p.balance = p.balance.Add(profit)
	if volume >= pos.volume {
		delete(p.positions, req.Ticket)
	} else {
		pos.volume = decimal.NewFromFloat(pos.volume).Sub(decimal.NewFromFloat(volume)).InexactFloat64()
	}
	return CloseFill{Price: price, Profit: profit.InexactFloat64()}, nil
}

func (p *Paper) GetAccountInfo(ctx context.Context) (AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return AccountSnapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.equityLocked()
	margin := p.marginLocked()
	return AccountSnapshot{
		Balance:    p.balance.InexactFloat64(),
		Equity:     equity.InexactFloat64(),
		Margin:     margin.InexactFloat64(),
		FreeMargin: equity.Sub(margin).InexactFloat64(),
		Currency:   p.cfg.Currency,
	}, nil
}

// OpenPositions returns the number of open tickets.
func (p *Paper) OpenPositions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

// entryPrice picks the ask for buys and the bid for sells, falling back
// to the caller's reference mark when no quote is available.
func (p *Paper) entryPrice(symbol string, side order.Side, fallback float64) (float64, bool) {
	price := fallback
	if p.quotes != nil {
		if bid, ask, ok := p.quotes.Quote(symbol); ok {
			if side == order.SideBuy {
				price = ask
			} else {
				price = bid
			}
		}
	}
	if price <= 0 {
		return 0, false
	}
	if p.cfg.SlippageBps > 0 {
		p.mu.Lock()
		noise := p.rng.Float64() * p.cfg.SlippageBps / 10000
		p.mu.Unlock()
		if side == order.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	return price, true
}

func (p *Paper) simulateLatency(ctx context.Context) error {
	if p.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	delay := p.cfg.LatencyMin
	if span := p.cfg.LatencyMax - p.cfg.LatencyMin; span > 0 {
		p.mu.Lock()
		delay += time.Duration(p.rng.Int63n(int64(span) + 1))
		p.mu.Unlock()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Paper) equityLocked() decimal.Decimal {
	equity := p.balance
	if p.quotes == nil {
		return equity
	}
	for _, pos := range p.positions {
		bid, ask, ok := p.quotes.Quote(pos.symbol)
		if !ok {
			continue
		}
		mark := bid
		if pos.side == order.SideSell {
			mark = ask
		}
		equity = equity.Add(positionPnL(pos, pos.volume, mark))
	}
	return equity
}

func (p *Paper) marginLocked() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(decimal.NewFromFloat(pos.volume).
			Mul(decimal.NewFromFloat(pos.openPrice)).
			Mul(decimal.NewFromFloat(pos.contractSize)))
	}
	return total.Div(decimal.NewFromFloat(p.cfg.Leverage))
}

func positionPnL(pos *paperPosition, volume, mark float64) decimal.Decimal {
	diff := decimal.NewFromFloat(mark).Sub(decimal.NewFromFloat(pos.openPrice))
	if pos.side == order.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(volume)).Mul(decimal.NewFromFloat(pos.contractSize))
}

// Package worker runs one decision loop per symbol: tick in, engine
// decision, risk check, signature, execution.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"execution-core/internal/launcher"
	"execution-core/internal/market"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/shadow"
	"execution-core/internal/strategy"
)

// CodeDiverted marks an order that was risk-approved but routed to shadow
// because the mode changed under it.
const CodeDiverted = "DIVERTED_TO_SHADOW"

type (
	Signer interface {
		Sign(o order.Order, d risk.Decision) (order.SignedOrder, error)
	}
	Closer interface {
		ClosePosition(ctx context.Context, req order.CloseRequest, timeout time.Duration) (order.ExecutionResult, error)
	}
	Halter interface{ ShouldHalt() bool }
	Link   interface{ Up() bool }
)

type Config struct {
	Symbol         string
	BaseVolume     float64
	RequestTimeout time.Duration
}

// Deps are shared across workers. Drift, Features, Journal and Closer are
// optional.
type Deps struct {
	Risk     *risk.Manager
	Signer   Signer
	Harness  *shadow.Harness
	Guardian Halter
	Link     Link
	Scaler   *launcher.RiskScaler
	Closer   Closer
	Drift    *shadow.DriftDetector
	Features *shadow.FeatureExtractor
	Journal  *order.Journal
	Now      func() time.Time
}

type position struct {
	ticket   string
	side     order.Side
	volume   float64
	notional float64
	shadow   bool
}

// Worker owns one symbol. It handles ticks strictly one after another, so
// a symbol never has more than one order in flight.
type Worker struct {
	cfg        Config
	deps       Deps
	baseline   strategy.Engine
	comparator *shadow.ModelComparator
	log        zerolog.Logger

	pos *position
}

// New builds a worker. challenger may be nil.
func New(cfg Config, deps Deps, baseline, challenger strategy.Engine, log zerolog.Logger) *Worker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Scaler == nil {
		deps.Scaler = launcher.FullSize()
	}
	w := &Worker{
		cfg:      cfg,
		deps:     deps,
		baseline: baseline,
		log:      log.With().Str("component", "worker").Str("symbol", cfg.Symbol).Logger(),
	}
	if challenger != nil {
		w.comparator = shadow.NewModelComparator(baseline, challenger)
	}
	return w
}

// Comparator returns the baseline/challenger comparator, or nil.
func (w *Worker) Comparator() *shadow.ModelComparator { return w.comparator }

func (w *Worker) Symbol() string { return w.cfg.Symbol }

// Run consumes ticks until ctx is done or the channel closes.
func (w *Worker) Run(ctx context.Context, ticks <-chan market.Tick) error {
	w.log.Info().Str("engine", w.baseline.Name()).Msg("worker started")
	defer w.log.Info().Msg("worker stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			w.OnTick(ctx, t)
		}
	}
}

// OnTick runs one decision cycle.
func (w *Worker) OnTick(ctx context.Context, t market.Tick) {
	if err := t.Validate(); err != nil {
		w.log.Debug().Err(err).Msg("tick ignored")
		return
	}
	if w.deps.Drift != nil && w.deps.Features != nil {
		w.deps.Features.Feed(w.deps.Drift, t)
	}

	sig, challenger := w.decide(ctx, t)
	if !sig.Actionable() {
		return
	}
	side, _ := sig.Direction.Side()
	if w.pos != nil && w.pos.side == side {
		return
	}

	mode := w.deps.Harness.Mode()
	if mode.Trades() && !w.clearToTrade() {
		return
	}
	if !mode.Trades() && w.pos != nil && !w.pos.shadow {
		// a live position is only closed on the live path or by an operator
		w.log.Warn().Str("ticket", w.pos.ticket).Str("mode", string(mode)).Msg("live position held while in shadow")
		return
	}

	if w.pos != nil && !w.closePosition(ctx, t) {
		return
	}
	w.open(ctx, mode, t, sig, challenger, side)
}

func (w *Worker) decide(ctx context.Context, t market.Tick) (strategy.Signal, *strategy.Signal) {
	if w.comparator == nil {
		return w.baseline.Decide(t), nil
	}
	cmp, err := w.comparator.Observe(ctx, t)
	if err != nil {
		w.log.Error().Err(err).Msg("engine failed, no decision this tick")
		return strategy.Signal{Direction: strategy.Flat}, nil
	}
	return cmp.Baseline, &cmp.Challenger
}

// clearToTrade is checked before every live submission.
func (w *Worker) clearToTrade() bool {
	if w.deps.Guardian != nil && w.deps.Guardian.ShouldHalt() {
		w.log.Warn().Msg("guardian halt in effect, submission skipped")
		return false
	}
	if w.deps.Link != nil && !w.deps.Link.Up() {
		w.log.Warn().Msg("gateway link down, submission skipped")
		return false
	}
	return true
}

func (w *Worker) open(ctx context.Context, mode shadow.Mode, t market.Tick, sig strategy.Signal, challenger *strategy.Signal, side order.Side) {
	volume := w.cfg.BaseVolume
	if mode == shadow.ModeCanary {
		v, ok := w.deps.Scaler.Scale(volume)
		if !ok {
			w.log.Info().Float64("fraction", w.deps.Scaler.Fraction()).Msg("canary size below one lot step, skipped")
			return
		}
		volume = v
	}
	price := t.Ask
	if side == order.SideSell {
		price = t.Bid
	}
	o := order.Order{
		ID:        uuid.NewString(),
		Symbol:    w.cfg.Symbol,
		Side:      side,
		Volume:    volume,
		Comment:   sig.Engine,
		Price:     price,
		CreatedAt: w.deps.Now().UTC(),
	}
	in := shadow.Intent{Signal: sig, Challenger: challenger, Order: o}

	if !mode.Trades() {
		res, _ := w.deps.Harness.Execute(ctx, in)
		if res.Filled() {
			w.pos = &position{ticket: res.Ticket, side: side, volume: volume, shadow: true}
		}
		return
	}

	decision, reasons := w.deps.Risk.ValidateOrder(o)
	if decision != risk.Pass {
		ev := w.log.Info().Str("order_id", o.ID).Str("side", string(side))
		if len(reasons) > 0 {
			ev = ev.Str("code", string(reasons[0].Code)).Str("reason", reasons[0].Message)
		}
		ev.Msg("order rejected by risk")
		return
	}
	signed, err := w.deps.Signer.Sign(o, decision)
	if err != nil {
		w.log.Error().Err(err).Str("order_id", o.ID).Msg("signing failed")
		w.record(o, risk.KindOpen, 0, order.ExecutionResult{RequestID: o.ID, Status: order.StatusRejected, Error: err.Error(), NonFinancial: true})
		return
	}
	in.Signed = &signed

	if w.deps.Journal != nil {
		if err := w.deps.Journal.Submit(signed); err != nil {
			w.log.Error().Err(err).Str("order_id", o.ID).Msg("journal write failed, order not sent")
			w.record(o, risk.KindOpen, 0, order.ExecutionResult{RequestID: o.ID, Status: order.StatusRejected, Error: err.Error(), NonFinancial: true})
			return
		}
	}

	routed, res, err := w.deps.Harness.Route(ctx, in)
	if err != nil {
		w.log.Warn().Err(err).Str("order_id", o.ID).Msg("transport error")
	}
	if !routed.Trades() {
		diverted := order.ExecutionResult{RequestID: o.ID, Status: order.StatusRejected, ErrorCode: CodeDiverted, NonFinancial: true}
		if w.deps.Journal != nil {
			w.deps.Journal.Resolve(o.ID, diverted)
		}
		w.record(o, risk.KindOpen, 0, diverted)
		return
	}
	if w.deps.Journal != nil {
		w.deps.Journal.Resolve(o.ID, res)
	}

	notional := w.deps.Risk.Notional(o)
	w.record(o, risk.KindOpen, notional, res)
	if res.Filled() {
		w.deps.Scaler.OnFill()
		w.pos = &position{ticket: res.Ticket, side: side, volume: volume, notional: notional}
	}
}

// closePosition flattens the current position before a reversal. It
// reports whether the symbol is flat afterwards.
func (w *Worker) closePosition(ctx context.Context, t market.Tick) bool {
	p := w.pos
	if p.shadow {
		w.log.Info().Str("ticket", p.ticket).Msg(shadow.MarkerShadow + " position closed")
		w.pos = nil
		return true
	}
	if w.deps.Closer == nil {
		return false
	}
	req := order.CloseRequest{ID: uuid.NewString(), Ticket: p.ticket, Symbol: w.cfg.Symbol, Volume: p.volume}
	res, err := w.deps.Closer.ClosePosition(ctx, req, w.cfg.RequestTimeout)
	if err != nil {
		w.log.Warn().Err(err).Str("ticket", p.ticket).Msg("close transport error")
	}
	closing := order.Order{ID: req.ID, Symbol: w.cfg.Symbol, Side: p.side.Opposite(), Volume: p.volume, Price: t.Mid()}
	w.record(closing, risk.KindClose, p.notional, res)
	if !res.Filled() {
		w.log.Error().Str("ticket", p.ticket).Str("status", string(res.Status)).Str("code", res.ErrorCode).
			Msg("position close not confirmed, holding")
		return false
	}
	w.pos = nil
	return true
}

func (w *Worker) record(o order.Order, kind risk.TradeKind, notional float64, res order.ExecutionResult) {
	if res.RequestID == "" {
		res.RequestID = o.ID
	}
	w.deps.Risk.RecordTradeOutcome(risk.TradeOutcome{
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Kind:     kind,
		Volume:   o.Volume,
		Result:   res,
		Notional: notional,
	})
}

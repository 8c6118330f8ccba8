// Package shadow runs decision engines without letting them trade until they
// are promoted, and takes them back out of the market when their inputs drift.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/strategy"
)

// Mode selects where Execute sends an intent.
type Mode string

const (
	ModeShadow Mode = "SHADOW"
	ModeLive   Mode = "LIVE"
	ModeCanary Mode = "CANARY"
)

var allModes = []string{string(ModeShadow), string(ModeLive), string(ModeCanary)}

// CodeUnsigned marks a live intent that carried no risk pass.
const CodeUnsigned = "UNSIGNED_INTENT"

var (
	ErrInvalidMode  = errors.New("shadow: invalid mode")
	ErrForcedShadow = errors.New("shadow: forced into shadow mode")
)

func ParseMode(v string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(v))); m {
	case ModeShadow, ModeLive, ModeCanary:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, v)
}

// Trades reports whether orders in this mode reach the gateway.
func (m Mode) Trades() bool { return m == ModeLive || m == ModeCanary }

// Transport is the live order path.
type Transport interface {
	SendOrder(ctx context.Context, s order.SignedOrder, timeout time.Duration) (order.ExecutionResult, error)
}

// Intent is one engine decision on its way to execution. Signed is nil when
// the order was never put through the risk engine.
type Intent struct {
	Signal     strategy.Signal
	Challenger *strategy.Signal
	Order      order.Order
	Signed     *order.SignedOrder
}

// ModeChange is published whenever the harness switches mode.
type ModeChange struct {
	From   Mode   `json:"from"`
	To     Mode   `json:"to"`
	Reason string `json:"reason"`
	Forced bool   `json:"forced"`
}

func (c ModeChange) String() string {
	return fmt.Sprintf("mode %s -> %s (%s)", c.From, c.To, c.Reason)
}

type sink interface {
	execute(ctx context.Context, in Intent) (order.ExecutionResult, error)
}

// shadowSink answers every intent with a synthetic fill. It holds no
// transport, so nothing it does can reach the gateway.
type shadowSink struct {
	parity *ParityLog
	log    zerolog.Logger
	now    func() time.Time
}

func (s *shadowSink) execute(_ context.Context, in Intent) (order.ExecutionResult, error) {
	res := order.ExecutionResult{
		RequestID: in.Order.ID,
		Status:    order.StatusFilled,
		Ticket:    "SHADOW-" + uuid.NewString(),
		FillPrice: in.Signal.Price,
	}
	s.log.Info().Str("symbol", in.Order.Symbol).Str("side", string(in.Order.Side)).
		Float64("volume", in.Order.Volume).Str("engine", in.Signal.Engine).
		Float64("confidence", in.Signal.Confidence).Msg(MarkerShadow + " order intercepted")
	if err := s.parity.Append(record(MarkerShadow, ModeShadow, in, res, s.now())); err != nil {
		s.log.Warn().Err(err).Msg("parity log write failed")
	}
	return res, nil
}

type liveSink struct {
	mode      Mode
	transport Transport
	timeout   time.Duration
	parity    *ParityLog
	log       zerolog.Logger
	now       func() time.Time
}

func (s *liveSink) execute(ctx context.Context, in Intent) (order.ExecutionResult, error) {
	if in.Signed == nil {
		return order.ExecutionResult{
			RequestID:    in.Order.ID,
			Status:       order.StatusRejected,
			ErrorCode:    CodeUnsigned,
			Error:        "intent has no risk signature",
			NonFinancial: true,
		}, nil
	}
	res, err := s.transport.SendOrder(ctx, *in.Signed, s.timeout)
	if perr := s.parity.Append(record(MarkerLive, s.mode, in, res, s.now())); perr != nil {
		s.log.Warn().Err(perr).Msg("parity log write failed")
	}
	return res, err
}

// Harness routes engine intents to the shadow or live sink by mode.
type Harness struct {
	bus *events.Bus
	rec *monitor.Recorder
	log zerolog.Logger

	shadow *shadowSink
	live   map[Mode]*liveSink

	mu     sync.RWMutex
	mode   Mode
	forced bool
	reason string
}

type HarnessConfig struct {
	Mode           Mode
	RequestTimeout time.Duration
}

func NewHarness(cfg HarnessConfig, transport Transport, parity *ParityLog, bus *events.Bus, rec *monitor.Recorder, log zerolog.Logger) *Harness {
	if cfg.Mode == "" {
		cfg.Mode = ModeShadow
	}
	log = log.With().Str("component", "shadow").Logger()
	h := &Harness{
		bus:    bus,
		rec:    rec,
		log:    log,
		mode:   cfg.Mode,
		shadow: &shadowSink{parity: parity, log: log, now: time.Now},
		live:   make(map[Mode]*liveSink),
	}
	if transport != nil {
		for _, m := range []Mode{ModeLive, ModeCanary} {
			h.live[m] = &liveSink{mode: m, transport: transport, timeout: cfg.RequestTimeout, parity: parity, log: log, now: time.Now}
		}
	} else if cfg.Mode.Trades() {
		log.Warn().Str("mode", string(cfg.Mode)).Msg("no transport configured, starting in shadow mode")
		h.mode = ModeShadow
	}
	if rec != nil {
		rec.SetMode(string(h.mode), allModes...)
	}
	return h
}

func (h *Harness) Mode() Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// Forced reports whether a forced shadow latch is in place and why.
func (h *Harness) Forced() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.forced, h.reason
}

// Execute sends in to the sink for the current mode.
func (h *Harness) Execute(ctx context.Context, in Intent) (order.ExecutionResult, error) {
	_, res, err := h.Route(ctx, in)
	return res, err
}

// Route is Execute that also reports which mode handled the intent. The
// mode is read once, so a concurrent switch to shadow either happens
// before the intent is routed or after it was sent.
func (h *Harness) Route(ctx context.Context, in Intent) (Mode, order.ExecutionResult, error) {
	mode, s := h.sink()
	res, err := s.execute(ctx, in)
	return mode, res, err
}

func (h *Harness) sink() (Mode, sink) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.live[h.mode]; ok {
		return h.mode, s
	}
	return ModeShadow, h.shadow
}

// SetMode switches mode. Leaving shadow is refused while a forced latch
// is held.
func (h *Harness) SetMode(m Mode, reason string) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	h.mu.Lock()
	if m.Trades() {
		if h.forced {
			h.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrForcedShadow, h.reason)
		}
		if _, ok := h.live[m]; !ok {
			h.mu.Unlock()
			return fmt.Errorf("%w: no transport for %s", ErrInvalidMode, m)
		}
	}
	change := h.switchLocked(m, reason, false)
	h.mu.Unlock()
	h.announce(change)
	return nil
}

// ForceShadow moves to shadow mode and latches there until Release.
func (h *Harness) ForceShadow(reason string) {
	h.mu.Lock()
	if h.forced && h.mode == ModeShadow {
		h.mu.Unlock()
		return
	}
	h.forced = true
	h.reason = reason
	change := h.switchLocked(ModeShadow, reason, true)
	h.mu.Unlock()
	h.log.Warn().Str("reason", reason).Msg("forced into shadow mode")
	h.announce(change)
}

// Release drops the forced latch. The mode stays shadow until SetMode.
func (h *Harness) Release() {
	h.mu.Lock()
	h.forced = false
	h.reason = ""
	h.mu.Unlock()
}

func (h *Harness) switchLocked(m Mode, reason string, forced bool) *ModeChange {
	if h.mode == m {
		return nil
	}
	c := &ModeChange{From: h.mode, To: m, Reason: reason, Forced: forced}
	h.mode = m
	return c
}

func (h *Harness) announce(c *ModeChange) {
	if c == nil {
		return
	}
	h.log.Info().Str("from", string(c.From)).Str("to", string(c.To)).Str("reason", c.Reason).Msg("execution mode changed")
	if h.rec != nil {
		h.rec.SetMode(string(c.To), allModes...)
	}
	if h.bus != nil {
		h.bus.Publish(events.TypeModeChange, "", *c)
	}
}

package risk

import (
	"sync"
	"time"
)

// DrawdownMonitor tracks equity against its running peak. HALT latches
// until Reset is called.
type DrawdownMonitor struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	onChange func(DrawdownEvent)

	balance   float64
	equity    float64
	peak      float64
	ddPct     float64
	level     Level
	halted    bool
	updatedAt time.Time
}

// NewDrawdownMonitor creates a monitor with no equity observed yet.
func NewDrawdownMonitor(cfg Config, now func() time.Time) *DrawdownMonitor {
	if now == nil {
		now = time.Now
	}
	return &DrawdownMonitor{cfg: cfg, now: now}
}

// OnChange installs fn, called outside the lock on every level change.
func (d *DrawdownMonitor) OnChange(fn func(DrawdownEvent)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Update books a new equity reading and returns the resulting level.
func (d *DrawdownMonitor) Update(equity float64) Level {
	d.mu.Lock()
	if equity > d.peak {
		d.peak = equity
	}
	d.equity = equity
	d.updatedAt = d.now()
	if d.peak > 0 {
		d.ddPct = (d.peak - equity) / d.peak * 100
	}

	next := d.classify(d.ddPct)
	if next == LevelHalt {
		d.halted = true
	}
	if d.halted {
		next = LevelHalt
	}

	ev, changed := d.transitionLocked(next)
	fn := d.onChange
	d.mu.Unlock()

	if changed && fn != nil {
		fn(ev)
	}
	return next
}

// SetBalance records the account balance for reporting.
func (d *DrawdownMonitor) SetBalance(balance float64) {
	d.mu.Lock()
	d.balance = balance
	d.mu.Unlock()
}

func (d *DrawdownMonitor) classify(pct float64) Level {
	switch {
	case pct >= d.cfg.DrawdownHaltPct:
		return LevelHalt
	case pct >= d.cfg.DrawdownCriticalPct:
		return LevelCritical
	case pct >= d.cfg.DrawdownWarningPct:
		return LevelWarning
	}
	return LevelNormal
}

func (d *DrawdownMonitor) transitionLocked(next Level) (DrawdownEvent, bool) {
	if next == d.level {
		return DrawdownEvent{}, false
	}
	ev := DrawdownEvent{
		From:        d.level,
		To:          next,
		DrawdownPct: d.ddPct,
		Equity:      d.equity,
		PeakEquity:  d.peak,
	}
	d.level = next
	return ev, true
}

// Level returns the current level without booking anything.
func (d *DrawdownMonitor) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// Halted reports whether HALT has latched.
func (d *DrawdownMonitor) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// Reset clears a latched HALT and restarts the peak at current equity.
func (d *DrawdownMonitor) Reset() Level {
	d.mu.Lock()
	d.halted = false
	d.peak = d.equity
	d.ddPct = 0
	ev, changed := d.transitionLocked(LevelNormal)
	fn := d.onChange
	d.mu.Unlock()
	if changed && fn != nil {
		fn(ev)
	}
	return LevelNormal
}

// State copies the account view.
func (d *DrawdownMonitor) State() AccountState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return AccountState{
		Balance:            d.balance,
		Equity:             d.equity,
		PeakEquity:         d.peak,
		CurrentDrawdownPct: d.ddPct,
		Level:              d.level,
		UpdatedAt:          d.updatedAt,
	}
}

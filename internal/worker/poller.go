package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/risk"
	"execution-core/pkg/broker"
)

type AccountSource interface {
	GetAccount(ctx context.Context) (broker.AccountSnapshot, error)
}

// AccountPoller keeps drawdown state fed with fresh balance and equity.
type AccountPoller struct {
	src      AccountSource
	risk     *risk.Manager
	link     Link
	interval time.Duration
	log      zerolog.Logger
}

func NewAccountPoller(src AccountSource, mgr *risk.Manager, link Link, interval time.Duration, log zerolog.Logger) *AccountPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AccountPoller{
		src:      src,
		risk:     mgr,
		link:     link,
		interval: interval,
		log:      log.With().Str("component", "account_poller").Logger(),
	}
}

// Poll fetches one snapshot and books it.
func (p *AccountPoller) Poll(ctx context.Context) error {
	if p.link != nil && !p.link.Up() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	acct, err := p.src.GetAccount(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("account poll failed")
		return err
	}
	level := p.risk.UpdateAccount(acct.Balance, acct.Equity)
	p.log.Debug().Float64("balance", acct.Balance).Float64("equity", acct.Equity).
		Str("drawdown_level", level.String()).Msg("account updated")
	return nil
}

func (p *AccountPoller) Run(ctx context.Context) error {
	_ = p.Poll(ctx)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = p.Poll(ctx)
		}
	}
}

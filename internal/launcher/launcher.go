package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/shadow"
	"execution-core/pkg/db"
)

// ConsumedStore remembers which decision records already started a launch.
type ConsumedStore interface {
	ConsumeDecision(ctx context.Context, c db.ConsumedDecision) error
}

type Config struct {
	MinConfidence          float64
	CanaryPositionFraction float64
	CanaryRampStep         float64
	CanaryRampEvery        int
	LotStep                float64
	NodeID                 string
}

// Launch is the result of a successful admission check.
type Launch struct {
	Record DecisionRecord
	Mode   shadow.Mode
	Scaler *RiskScaler
}

// Launcher turns a DecisionRecord into permission to trade.
type Launcher struct {
	cfg   Config
	store ConsumedStore
	log   zerolog.Logger
	now   func() time.Time
}

func New(cfg Config, store ConsumedStore, log zerolog.Logger) *Launcher {
	return &Launcher{cfg: cfg, store: store, log: log.With().Str("component", "launcher").Logger(), now: time.Now}
}

// Launch verifies the record at path and consumes it. Any failure means
// the process must not trade. A fraction below one starts in CANARY mode.
func (l *Launcher) Launch(ctx context.Context, path string) (*Launch, error) {
	if path == "" {
		return nil, ErrNoRecord
	}
	rec, err := LoadRecord(path)
	if err != nil {
		return nil, err
	}
	if err := rec.Verify(l.cfg.MinConfidence); err != nil {
		l.log.Error().Err(err).Str("model", rec.Model).Str("version", rec.Version).Msg("decision record refused")
		return nil, err
	}
	if l.store != nil {
		err := l.store.ConsumeDecision(ctx, db.ConsumedDecision{
			Hash:       rec.DecisionHash,
			Model:      rec.Model + "@" + rec.Version,
			Verdict:    rec.Verdict,
			Confidence: rec.Confidence,
			NodeID:     l.cfg.NodeID,
			ConsumedAt: l.now(),
		})
		if errors.Is(err, db.ErrAlreadyConsumed) {
			return nil, fmt.Errorf("%w: %s", ErrConsumed, rec.DecisionHash)
		}
		if err != nil {
			return nil, fmt.Errorf("launcher: record consumption: %w", err)
		}
	}

	scaler := NewRiskScaler(ScalerConfig{
		InitialFraction: l.cfg.CanaryPositionFraction,
		RampStep:        l.cfg.CanaryRampStep,
		RampEvery:       l.cfg.CanaryRampEvery,
		LotStep:         l.cfg.LotStep,
	})
	mode := shadow.ModeLive
	if scaler.Fraction() < 1 {
		mode = shadow.ModeCanary
	}
	l.log.Info().Str("model", rec.Model).Str("version", rec.Version).Float64("confidence", rec.Confidence).
		Str("mode", string(mode)).Float64("fraction", scaler.Fraction()).Msg("launch admitted")
	return &Launch{Record: rec, Mode: mode, Scaler: scaler}, nil
}

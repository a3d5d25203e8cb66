// Package tasks runs the gateway's periodic maintenance work.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
)

// DefaultSweepInterval matches the cadence expired payments and tokens are
// reaped at in production.
const DefaultSweepInterval = 30 * time.Minute

// Sweeper periodically expires overdue payments and deletes their tokens.
type Sweeper struct {
	ledger   *ledger.Ledger
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper builds a Sweeper. A non-positive interval uses the default.
func NewSweeper(l *ledger.Ledger, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{ledger: l, interval: interval, log: log}
}

// Run sweeps once immediately, then on every tick until ctx is canceled.
// Sweep failures are logged and retried on the next tick; an unreachable
// store must not kill the loop.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		s.log.Error("expired payment sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("swept expired payments", zap.Int64("count", n))
	}
}

package lending

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Recovery periodically resumes deposits that stalled between the pull and
// the pool supply. It acts with the administrator identity of the engine it
// drives.
type Recovery struct {
	engine     *Engine
	interval   time.Duration
	maxElapsed time.Duration
	logger     *slog.Logger
}

// NewRecovery constructs a recovery loop. Each sweep retries a stalled
// deposit with exponential backoff for at most maxElapsed.
func NewRecovery(engine *Engine, interval, maxElapsed time.Duration) *Recovery {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Minute
	}
	return &Recovery{
		engine:     engine,
		interval:   interval,
		maxElapsed: maxElapsed,
		logger:     engine.logger.With(slog.String("component", "deposit-recovery")),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("deposit recovery sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep attempts every pending deposit once and returns how many were
// credited.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	pending, err := r.engine.PendingDeposits()
	if err != nil {
		return 0, err
	}
	admin := r.engine.Params().Admin
	credited := 0
	for _, saga := range pending {
		if ctx.Err() != nil {
			return credited, ctx.Err()
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 200 * time.Millisecond
		policy.MaxElapsedTime = r.maxElapsed
		attempt := func() error {
			_, err := r.engine.ResumeDeposit(ctx, admin, saga.ID)
			if err == nil || errors.Is(err, ErrDepositForwardPending) || errors.Is(err, ErrReentrantCall) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
			r.logger.Warn("deposit still pending",
				slog.String("sagaId", saga.ID),
				slog.String("user", saga.Depositor.Hex()),
				slog.Any("error", err))
			continue
		}
		credited++
		r.logger.Info("deposit recovered",
			slog.String("sagaId", saga.ID),
			slog.String("user", saga.Depositor.Hex()))
	}
	return credited, nil
}

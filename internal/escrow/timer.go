package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically refunds escrows whose confirmation deadline has passed.
// RefundTimeout needs no caller identity, so the sweeper may trigger it on
// behalf of inattentive buyers.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new refund sweeper.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in refund sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		RefundSweepDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := t.service.now().Add(-Timeout)
	expired, err := t.store.ListExpired(ctx, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return
	}

	for _, candidate := range expired {
		rec, err := t.service.RefundTimeout(ctx, candidate.ID)
		if err != nil {
			// Expected when a confirm or another sweeper won the race.
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrTimeoutNotReached) {
				continue
			}
			t.logger.Warn("failed to refund expired escrow", "escrowId", candidate.ID, "error", err)
			continue
		}
		t.logger.Info("refunded expired escrow",
			"escrowId", rec.ID,
			"buyer", rec.Buyer,
			"amount", rec.Amount,
			"fee", rec.Fee,
		)
	}
}

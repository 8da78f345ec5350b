package event

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
)

const DefaultWarnAfter = 30 * time.Second

// Waiter waits for completion handles and logs a warning when a wait
// takes suspiciously long. There are no timeouts in the protocol,
// every request completes eventually, so a long wait is a diagnostic,
// not an error.
type Waiter struct {
	clock     clock.Clock
	logger    log.Logger
	warnAfter time.Duration
}

func NewWaiter(clk clock.Clock, logger log.Logger, warnAfter time.Duration) *Waiter {
	if warnAfter <= 0 {
		warnAfter = DefaultWarnAfter
	}
	return &Waiter{clock: clk, logger: logger, warnAfter: warnAfter}
}

func (w *Waiter) Wait(ctx context.Context, h *Handle) error {
	if h.HasTriggered() {
		return nil
	}
	timer := w.clock.Timer(w.warnAfter)
	defer timer.Stop()
	start := w.clock.Now()
	for {
		select {
		case <-h.Done():
			return nil
		case <-timer.C:
			w.logger.Warnf("completion handle not triggered after %s", w.clock.Since(start))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

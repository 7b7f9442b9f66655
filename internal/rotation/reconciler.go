package rotation

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// reconcileConcurrency bounds the per-sweep fan-out. Each client is still
// serialized by its own lock inside the controller.
const reconcileConcurrency = 8

// Run drives the controller until ctx is cancelled: every check interval it
// sweeps the non-terminal rotations and advances whichever are ready.
func (c *Controller) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("reconciler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			c.Reconcile(ctx)
		}
	}
}

// Reconcile performs one sweep: watchdog-fails rotations stuck past the
// deadline, then nudges each remaining one along its next transition.
// Rotations whose evidence is not in yet are left for the next sweep.
func (c *Controller) Reconcile(ctx context.Context) {
	c.mu.Lock()
	pending := make([]string, 0, len(c.active))
	for _, id := range c.active {
		pending = append(pending, id)
	}
	c.mu.Unlock()

	watchdog := time.Duration(c.cfg.WatchdogSeconds) * time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, rotationID := range pending {
		g.Go(func() error {
			c.step(gctx, rotationID, watchdog)
			return nil
		})
	}
	g.Wait()
}

// step advances one rotation by at most one transition.
func (c *Controller) step(ctx context.Context, rotationID string, watchdog time.Duration) {
	rec, err := c.Get(rotationID)
	if err != nil {
		return
	}
	if rec.State.IsTerminal() {
		return
	}

	if watchdog > 0 && c.clock.Now().Sub(rec.StartedAt) > watchdog {
		c.fail(ctx, rotationID, "watchdog: rotation exceeded maximum duration")
		return
	}

	switch rec.State {
	case StateInitiated:
		_, err = c.Promote(ctx, rotationID)
	case StateDualActive:
		_, err = c.Retire(ctx, rotationID)
	case StateOldDeprecated:
		_, err = c.Complete(ctx, rotationID)
	default:
		return
	}
	if err != nil && !errors.Is(err, ErrNotReady) {
		c.logger.Warn("reconcile step failed",
			"rotation_id", rotationID, "state", rec.State.String(), "error", err)
	}
}

package broker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/broker/logs"
)

// RunLoops drives the three background loops until the context is
// cancelled. Each loop runs one pass immediately and then on its own
// ticker. A failing pass is logged and retried on the next tick; only
// context cancellation ends the loops.
func (b *Broker) RunLoops(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return b.runLoop(ctx, "sync", b.opts.SyncInterval, func(ctx context.Context) error {
			_, err := b.RunSync(ctx)
			return err
		})
	})
	group.Go(func() error {
		return b.runLoop(ctx, "cleanup", b.opts.CleanupInterval, func(ctx context.Context) error {
			_, err := b.RunCleanup(ctx)
			return err
		})
	})
	group.Go(func() error {
		return b.runLoop(ctx, "expiry", b.opts.ExpiryInterval, func(ctx context.Context) error {
			_, err := b.RunExpiry(ctx)
			return err
		})
	})

	return group.Wait()
}

func (b *Broker) runLoop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tickCtx := logs.Derive(ctx, "loop", name)
		if err := pass(tickCtx); err != nil && ctx.Err() == nil {
			klog.FromContext(tickCtx).Error(err, "loop pass failed", "loop", name)
		}
		select {
		case <-ctx.Done():
			klog.FromContext(ctx).Info("loop stopped", "loop", name)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

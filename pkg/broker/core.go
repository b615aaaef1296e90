// Package broker implements the allocation core: the K-candidate claim
// protocol, the ownership-checked release, the admin operations and the
// three background control loops that keep the pool consistent with the
// upstream provider.
package broker

import (
	"context"
	"time"

	"github.com/skillpod/sandbox-broker/pkg/breaker"
	"github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/store"
	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

type Broker struct {
	store    store.Store
	upstream upstream.Client
	breaker  *breaker.Breaker
	opts     config.Options

	// test seams
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the broker from its explicit dependencies. The breaker is the
// only piece with shared mutable state; everything else synchronizes
// through the store's conditional writes.
func New(st store.Store, up upstream.Client, opts config.Options) *Broker {
	opts = config.InitOptions(opts)
	return &Broker{
		store:    st,
		upstream: up,
		breaker:  breaker.New("upstream", opts.BreakerThreshold, opts.BreakerTimeout),
		opts:     opts,
		clock:    time.Now,
		sleep:    sleepCtx,
	}
}

// Options returns the effective (defaulted) configuration.
func (b *Broker) Options() config.Options {
	return b.opts
}

// Breaker exposes the upstream circuit breaker for the admin surface.
func (b *Broker) Breaker() *breaker.Breaker {
	return b.breaker
}

// Store exposes the store for readiness probes.
func (b *Broker) Store() store.Store {
	return b.store
}

func (b *Broker) now() int64 {
	return b.clock().Unix()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

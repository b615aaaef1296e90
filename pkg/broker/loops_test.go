package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/store"
	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

func TestRunLoopsStopsOnCancel(t *testing.T) {
	f := newFixture(config.Options{
		SyncInterval:    10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		ExpiryInterval:  10 * time.Millisecond,
	})
	f.upstream.accounts = []upstream.Account{{ID: "sbx-1", Name: "pool-1"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.broker.RunLoops(ctx) }()

	// each loop runs its first pass immediately; sync lands the account
	require.Eventually(t, func() bool {
		sb, err := f.store.Get(context.Background(), "sbx-1")
		return err == nil && sb.Status == store.StatusAvailable
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loops did not stop after cancel")
	}
}

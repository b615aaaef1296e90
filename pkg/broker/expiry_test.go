package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/store"
)

func TestExpiryClaimsOrphans(t *testing.T) {
	f := newFixture(config.Options{})
	threshold := f.broker.opts.ExpiryThreshold()

	f.seed("orphan", store.StatusAllocated, func(sb *store.Sandbox) {
		sb.AllocatedToOwner = "owner-gone"
		sb.AllocatedAt = f.now.Add(-threshold - time.Minute).Unix()
	})
	f.seed("fresh", store.StatusAllocated, func(sb *store.Sandbox) {
		sb.AllocatedToOwner = "owner-live"
		sb.AllocatedAt = f.now.Add(-time.Hour).Unix()
	})

	result, err := f.broker.RunExpiry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Expired)

	orphan, _ := f.store.Get(context.Background(), "orphan")
	assert.Equal(t, store.StatusPendingDeletion, orphan.Status)
	assert.Equal(t, f.now.Unix(), orphan.DeletionRequestedAt)

	fresh, _ := f.store.Get(context.Background(), "fresh")
	assert.Equal(t, store.StatusAllocated, fresh.Status)
}

func TestExpirySkipsZeroAllocatedAt(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("odd", store.StatusAllocated, func(sb *store.Sandbox) {
		sb.AllocatedAt = 0
	})

	result, err := f.broker.RunExpiry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired)
}

// TestExpiryEventuallyRecyclesAbandonedAllocation walks an abandoned sandbox
// through expiry, cleanup and sync back to available.
func TestExpiryEventuallyRecyclesAbandonedAllocation(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAvailable)

	sb, _, err := f.broker.Allocate(context.Background(), AllocateRequest{Owner: "owner-a"})
	require.NoError(t, err)

	// the owner never releases
	f.advance(f.broker.opts.ExpiryThreshold() + time.Minute)
	expiry, err := f.broker.RunExpiry(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, expiry.Expired)

	cleanup, err := f.broker.RunCleanup(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cleanup.Deleted)
	assert.Equal(t, []string{sb.ExternalID}, f.upstream.deletedIDs())

	_, err = f.store.Get(context.Background(), sb.SandboxID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

package broker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpod/sandbox-broker/pkg/breaker"
	"github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/store"
	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

func TestSyncInsertsNewAccounts(t *testing.T) {
	f := newFixture(config.Options{})
	f.upstream.accounts = []upstream.Account{
		{ID: "sbx-1", Name: "pool-1", ExternalID: "arn:csp:sandbox/sbx-1"},
		{ID: "sbx-2", Name: "pool-2", ExternalID: "arn:csp:sandbox/sbx-2"},
	}

	result, err := f.broker.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 0, result.MarkedStale)

	sb, err := f.store.Get(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAvailable, sb.Status)
	assert.Equal(t, f.now.Unix(), sb.LastSynced)
	assert.Equal(t, f.broker.opts.LabDurationHours, sb.LabDurationHours)
}

func TestSyncPreservesInFlightStatuses(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAllocated, func(sb *store.Sandbox) {
		sb.AllocatedToOwner = "owner-a"
		sb.AllocatedAt = f.now.Unix()
	})
	f.seed("sbx-2", store.StatusPendingDeletion)
	f.seed("sbx-3", store.StatusDeletionFailed, func(sb *store.Sandbox) {
		sb.DeletionRetryCount = 2
	})
	f.upstream.accounts = []upstream.Account{
		{ID: "sbx-1"}, {ID: "sbx-2"}, {ID: "sbx-3"},
	}

	_, err := f.broker.RunSync(context.Background())
	require.NoError(t, err)

	sb1, _ := f.store.Get(context.Background(), "sbx-1")
	assert.Equal(t, store.StatusAllocated, sb1.Status)
	assert.Equal(t, "owner-a", sb1.AllocatedToOwner)
	sb2, _ := f.store.Get(context.Background(), "sbx-2")
	assert.Equal(t, store.StatusPendingDeletion, sb2.Status)
	sb3, _ := f.store.Get(context.Background(), "sbx-3")
	assert.Equal(t, store.StatusDeletionFailed, sb3.Status)
	assert.Equal(t, 2, sb3.DeletionRetryCount)
}

func TestSyncRevivesStale(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusStale)
	f.upstream.accounts = []upstream.Account{{ID: "sbx-1"}}

	_, err := f.broker.RunSync(context.Background())
	require.NoError(t, err)

	sb, _ := f.store.Get(context.Background(), "sbx-1")
	assert.Equal(t, store.StatusAvailable, sb.Status)
}

func TestSyncMarksVanishedStale(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAvailable)
	f.seed("sbx-2", store.StatusAllocated, func(sb *store.Sandbox) {
		sb.AllocatedToOwner = "owner-a"
		sb.AllocatedAt = f.now.Unix()
	})
	f.upstream.accounts = nil

	result, err := f.broker.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedStale)

	// available drifts to stale; the allocation is left alone
	sb1, _ := f.store.Get(context.Background(), "sbx-1")
	assert.Equal(t, store.StatusStale, sb1.Status)
	sb2, _ := f.store.Get(context.Background(), "sbx-2")
	assert.Equal(t, store.StatusAllocated, sb2.Status)
}

func TestSyncUpstreamFailureTripsBreaker(t *testing.T) {
	f := newFixture(config.Options{BreakerThreshold: 2})
	f.upstream.listErr = fmt.Errorf("csp listing down")

	for i := 0; i < 2; i++ {
		_, err := f.broker.RunSync(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateOpen, f.broker.Breaker().State())

	// the next run fails fast without touching upstream
	calls := f.upstream.calls
	_, err := f.broker.RunSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, calls, f.upstream.calls)
}

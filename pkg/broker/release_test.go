package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpod/sandbox-broker/pkg/broker/config"
	brokererrors "github.com/skillpod/sandbox-broker/pkg/broker/errors"
	"github.com/skillpod/sandbox-broker/pkg/store"
)

func TestMarkForDeletionByOwner(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAvailable)

	sb, _, err := f.broker.Allocate(context.Background(), AllocateRequest{Owner: "owner-a"})
	require.NoError(t, err)

	released, err := f.broker.MarkForDeletion(context.Background(), sb.SandboxID, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingDeletion, released.Status)
	assert.Equal(t, f.now.Unix(), released.DeletionRequestedAt)
}

func TestMarkForDeletionWrongOwner(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAllocated, func(sb *store.Sandbox) {
		sb.AllocatedToOwner = "owner-a"
		sb.AllocatedAt = f.now.Unix()
	})

	_, err := f.broker.MarkForDeletion(context.Background(), "sbx-1", "owner-b")
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrorNotOwner))

	// the record is untouched
	sb, getErr := f.store.Get(context.Background(), "sbx-1")
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusAllocated, sb.Status)
	assert.Equal(t, "owner-a", sb.AllocatedToOwner)
}

func TestMarkForDeletionUnknownSandbox(t *testing.T) {
	f := newFixture(config.Options{})
	_, err := f.broker.MarkForDeletion(context.Background(), "missing", "owner-a")
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrorNotOwner))
}

func TestMarkForDeletionNotAllocated(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAvailable)

	_, err := f.broker.MarkForDeletion(context.Background(), "sbx-1", "owner-a")
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrorNotOwner))
}

func TestMarkForDeletionAfterExpiry(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAvailable)

	sb, _, err := f.broker.Allocate(context.Background(), AllocateRequest{Owner: "owner-a"})
	require.NoError(t, err)

	// past the lab duration the ownership window has closed; the expiry loop
	// owns the record now
	f.advance(f.broker.opts.LabDuration() + time.Minute)
	_, err = f.broker.MarkForDeletion(context.Background(), sb.SandboxID, "owner-a")
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrorAllocationExpired))
}

func TestMarkForDeletionNotRepeatable(t *testing.T) {
	f := newFixture(config.Options{})
	f.seed("sbx-1", store.StatusAvailable)

	sb, _, err := f.broker.Allocate(context.Background(), AllocateRequest{Owner: "owner-a"})
	require.NoError(t, err)
	_, err = f.broker.MarkForDeletion(context.Background(), sb.SandboxID, "owner-a")
	require.NoError(t, err)

	// a second release fails, and the record stays pending_deletion
	_, err = f.broker.MarkForDeletion(context.Background(), sb.SandboxID, "owner-a")
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrorNotOwner))

	got, getErr := f.store.Get(context.Background(), sb.SandboxID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusPendingDeletion, got.Status)
}

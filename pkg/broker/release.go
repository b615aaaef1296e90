package broker

import (
	"context"
	"errors"

	"k8s.io/klog/v2"

	brokererrors "github.com/skillpod/sandbox-broker/pkg/broker/errors"
	"github.com/skillpod/sandbox-broker/pkg/store"
)

// MarkForDeletion releases the caller's sandbox by transitioning it to
// pending_deletion. The conditional write enforces ownership and the
// allocation deadline in a single round trip; the follow-up Get is purely
// diagnostic, to tell the caller why the condition failed.
func (b *Broker) MarkForDeletion(ctx context.Context, sandboxID, owner string) (*store.Sandbox, error) {
	log := klog.FromContext(ctx)
	now := b.now()
	minValidAllocatedAt := now - int64(b.opts.LabDuration().Seconds())

	sb, err := b.store.ConditionalMarkForDeletion(ctx, sandboxID, owner, now, minValidAllocatedAt)
	if err == nil {
		releaseTotal.WithLabelValues("success").Inc()
		log.Info("sandbox marked for deletion", "sandboxID", sandboxID, "owner", owner)
		return sb, nil
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		releaseTotal.WithLabelValues("error").Inc()
		return nil, brokererrors.Newf(brokererrors.ErrorStoreUnavailable, "mark for deletion: %v", err)
	}

	// condition failed; classify for the caller
	existing, err := b.store.Get(ctx, sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		releaseTotal.WithLabelValues("not_found").Inc()
		return nil, brokererrors.Newf(brokererrors.ErrorNotOwner, "sandbox %s not found", sandboxID)
	}
	if err != nil {
		releaseTotal.WithLabelValues("error").Inc()
		return nil, brokererrors.Newf(brokererrors.ErrorStoreUnavailable, "get after condition failure: %v", err)
	}
	switch {
	case existing.Status != store.StatusAllocated:
		releaseTotal.WithLabelValues("not_allocated").Inc()
		return nil, brokererrors.Newf(brokererrors.ErrorNotOwner,
			"sandbox %s status is %s, not allocated", sandboxID, existing.Status)
	case existing.AllocatedToOwner != owner:
		releaseTotal.WithLabelValues("not_owner").Inc()
		return nil, brokererrors.Newf(brokererrors.ErrorNotOwner,
			"sandbox %s is owned by %s, not %s", sandboxID, existing.AllocatedToOwner, owner)
	default:
		// owner and status matched, so the allocated_at bound failed
		releaseTotal.WithLabelValues("expired").Inc()
		return nil, brokererrors.Newf(brokererrors.ErrorAllocationExpired,
			"sandbox %s allocation expired (allocated at %d)", sandboxID, existing.AllocatedAt)
	}
}

package broker

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/store"
)

// ExpiryResult summarizes one orphan sweep.
type ExpiryResult struct {
	Checked    int           `json:"checked"`
	Expired    int           `json:"expired"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// RunExpiry claims allocations whose owner never released them. Anything
// allocated earlier than lab duration plus grace ago is moved to
// pending_deletion with an unconditional put: the loop owns this
// transition, and a race with the releaser converges on the same state.
func (b *Broker) RunExpiry(ctx context.Context) (ExpiryResult, error) {
	log := klog.FromContext(ctx)
	start := b.clock()
	result := ExpiryResult{}

	allocated, err := b.store.QueryByStatus(ctx, store.StatusAllocated, 0)
	if err != nil {
		expiryRuns.WithLabelValues("error").Inc()
		return result, err
	}
	result.Checked = len(allocated)

	now := b.now()
	cutoff := now - int64(b.opts.ExpiryThreshold().Seconds())
	for _, sb := range allocated {
		if sb.AllocatedAt == 0 || sb.AllocatedAt >= cutoff {
			continue
		}
		sb.Status = store.StatusPendingDeletion
		sb.DeletionRequestedAt = now
		if err := b.store.Put(ctx, sb); err != nil {
			expiryRuns.WithLabelValues("error").Inc()
			return result, err
		}
		result.Expired++
		log.Info("orphaned allocation expired", "sandboxID", sb.SandboxID,
			"owner", sb.AllocatedToOwner, "allocatedAt", sb.AllocatedAt)
	}

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	expiryRuns.WithLabelValues("success").Inc()
	if result.Expired > 0 {
		expiryOrphaned.Add(float64(result.Expired))
	}
	return result, nil
}

package broker

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/breaker"
	"github.com/skillpod/sandbox-broker/pkg/store"
	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

// CleanupResult summarizes one drain of the deletion queue.
type CleanupResult struct {
	Deleted    int           `json:"deleted"`
	Failed     int           `json:"failed"`
	Aborted    bool          `json:"aborted,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// RunCleanup drains the pending_deletion queue (and deletion_failed records
// still under the retry budget) in fixed-size batches through the breaker,
// sleeping between batches to throttle the upstream API. A breaker-open
// aborts the remainder of the tick; the next tick retries.
func (b *Broker) RunCleanup(ctx context.Context) (CleanupResult, error) {
	log := klog.FromContext(ctx)
	start := b.clock()
	result := CleanupResult{}

	pending, err := b.store.QueryByStatus(ctx, store.StatusPendingDeletion, 0)
	if err != nil {
		cleanupRuns.WithLabelValues("error").Inc()
		return result, err
	}
	failed, err := b.store.QueryByStatus(ctx, store.StatusDeletionFailed, 0)
	if err != nil {
		cleanupRuns.WithLabelValues("error").Inc()
		return result, err
	}
	for _, sb := range failed {
		if sb.DeletionRetryCount < b.opts.DeletionMaxAttempts {
			pending = append(pending, sb)
		}
	}

	batchSize := b.opts.CleanupBatchSize
	for i := 0; i < len(pending); i += batchSize {
		batch := pending[i:min(i+batchSize, len(pending))]
		for _, sb := range batch {
			aborted, err := b.cleanupOne(ctx, sb, &result)
			if err != nil {
				cleanupRuns.WithLabelValues("error").Inc()
				return result, err
			}
			if aborted {
				result.Aborted = true
				circuitOpenTotal.WithLabelValues("cleanup").Inc()
				log.Info("cleanup tick aborted, circuit open",
					"deleted", result.Deleted, "failed", result.Failed)
				cleanupRuns.WithLabelValues("aborted").Inc()
				cleanupDuration.Observe(time.Since(start).Seconds())
				return result, nil
			}
		}
		// deliberate throttling of upstream between batches
		if i+batchSize < len(pending) {
			if err := b.sleep(ctx, b.opts.CleanupBatchDelay); err != nil {
				return result, err
			}
		}
	}

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	cleanupRuns.WithLabelValues("success").Inc()
	cleanupDuration.Observe(result.Duration.Seconds())
	if result.Deleted > 0 || result.Failed > 0 {
		log.Info("cleanup run complete", "deleted", result.Deleted,
			"failed", result.Failed, "cost", result.Duration)
	}
	return result, nil
}

// cleanupOne destroys a single sandbox upstream and removes it from the
// store. Returns aborted=true when the breaker is open.
func (b *Broker) cleanupOne(ctx context.Context, sb *store.Sandbox, result *CleanupResult) (bool, error) {
	log := klog.FromContext(ctx)

	var deleteResult upstream.DeleteResult
	err := b.breaker.Do(func() error {
		var delErr error
		deleteResult, delErr = b.upstream.Delete(ctx, sb.ExternalID)
		return delErr
	})

	var open *breaker.ErrOpen
	if errors.As(err, &open) {
		return true, nil
	}
	if err == nil && (deleteResult == upstream.Deleted || deleteResult == upstream.AlreadyAbsent) {
		if err := b.store.Delete(ctx, sb.SandboxID); err != nil {
			return false, err
		}
		result.Deleted++
		cleanupDeleted.Inc()
		log.V(2).Info("sandbox destroyed upstream", "sandboxID", sb.SandboxID,
			"result", deleteResult.String())
		return false, nil
	}

	// transient upstream failure: degrade this record, keep the tick going
	sb.Status = store.StatusDeletionFailed
	sb.DeletionRetryCount++
	if err := b.store.Put(ctx, sb); err != nil {
		return false, err
	}
	result.Failed++
	cleanupFailed.Inc()
	log.Error(err, "failed to delete sandbox upstream",
		"sandboxID", sb.SandboxID, "retryCount", sb.DeletionRetryCount)
	return false, nil
}

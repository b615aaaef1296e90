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

// ListRequest selects a page of sandboxes for the admin surface.
type ListRequest struct {
	Status store.Status
	Limit  int
	Cursor string
}

// ListResult is one page plus the cursor for the next.
type ListResult struct {
	Sandboxes []*store.Sandbox
	Cursor    string
}

// ListSandboxes pages through the pool, optionally filtered by status.
// Status-filtered listing rides the status index and pages client-side;
// unfiltered listing uses the store's native cursor.
func (b *Broker) ListSandboxes(ctx context.Context, req ListRequest) (ListResult, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Status == "" {
		page, next, err := b.store.Enumerate(ctx, req.Cursor, req.Limit)
		if err != nil {
			return ListResult{}, err
		}
		return ListResult{Sandboxes: page, Cursor: next}, nil
	}

	matched, err := b.store.QueryByStatus(ctx, req.Status, 0)
	if err != nil {
		return ListResult{}, err
	}
	start := 0
	if req.Cursor != "" {
		for i, sb := range matched {
			if sb.SandboxID == req.Cursor {
				start = i + 1
				break
			}
		}
	}
	end := min(start+req.Limit, len(matched))
	result := ListResult{Sandboxes: matched[start:end]}
	if end < len(matched) && end > start {
		result.Cursor = matched[end-1].SandboxID
	}
	return result, nil
}

// PoolStats counts sandboxes by status from a full enumeration.
type PoolStats struct {
	Total    int                  `json:"total"`
	ByStatus map[store.Status]int `json:"by_status"`
}

func (b *Broker) Stats(ctx context.Context) (PoolStats, error) {
	stats := PoolStats{ByStatus: map[store.Status]int{}}
	for _, status := range store.AllStatuses {
		stats.ByStatus[status] = 0
	}
	cursor := ""
	for {
		page, next, err := b.store.Enumerate(ctx, cursor, 0)
		if err != nil {
			return stats, err
		}
		for _, sb := range page {
			stats.Total++
			stats.ByStatus[sb.Status]++
		}
		if next == "" {
			return stats, nil
		}
		cursor = next
	}
}

// BulkDeleteResult reports an admin purge.
type BulkDeleteResult struct {
	Deleted    int   `json:"deleted"`
	DurationMS int64 `json:"duration_ms"`
}

// BulkDeleteByStatus removes records from the store only; the upstream
// accounts are untouched. Intended for purging stale or deletion_failed
// records after manual upstream cleanup.
func (b *Broker) BulkDeleteByStatus(ctx context.Context, status store.Status) (BulkDeleteResult, error) {
	log := klog.FromContext(ctx)
	start := b.clock()
	result := BulkDeleteResult{}

	var doomed []*store.Sandbox
	if status != "" {
		var err error
		doomed, err = b.store.QueryByStatus(ctx, status, 0)
		if err != nil {
			return result, err
		}
	} else {
		cursor := ""
		for {
			page, next, err := b.store.Enumerate(ctx, cursor, 0)
			if err != nil {
				return result, err
			}
			doomed = append(doomed, page...)
			if next == "" {
				break
			}
			cursor = next
		}
	}

	for _, sb := range doomed {
		if err := b.store.Delete(ctx, sb.SandboxID); err != nil {
			return result, err
		}
		result.Deleted++
	}
	result.DurationMS = time.Since(start).Milliseconds()
	log.Info("bulk delete complete", "status", status, "deleted", result.Deleted)
	return result, nil
}

// StaleDeleteResult reports an auto-delete-stale run.
type StaleDeleteResult struct {
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// AutoDeleteStale removes stale records older than the grace period,
// destroying the upstream account first (a missing account counts as
// success). Stale records inside the grace window are left alone.
func (b *Broker) AutoDeleteStale(ctx context.Context, gracePeriod time.Duration) (StaleDeleteResult, error) {
	log := klog.FromContext(ctx)
	start := b.clock()
	result := StaleDeleteResult{}

	stale, err := b.store.QueryByStatus(ctx, store.StatusStale, 0)
	if err != nil {
		return result, err
	}
	cutoff := b.now() - int64(gracePeriod.Seconds())
	for _, sb := range stale {
		if sb.UpdatedAt >= cutoff {
			continue
		}
		var deleteResult upstream.DeleteResult
		err := b.breaker.Do(func() error {
			var delErr error
			deleteResult, delErr = b.upstream.Delete(ctx, sb.ExternalID)
			return delErr
		})
		var open *breaker.ErrOpen
		if errors.As(err, &open) {
			log.Info("auto-delete-stale aborted, circuit open", "deleted", result.Deleted)
			break
		}
		if err != nil || deleteResult == upstream.TransientFailure {
			result.Failed++
			log.Error(err, "failed to delete stale sandbox upstream", "sandboxID", sb.SandboxID)
			continue
		}
		if err := b.store.Delete(ctx, sb.SandboxID); err != nil {
			return result, err
		}
		result.Deleted++
	}
	result.DurationMS = time.Since(start).Milliseconds()
	log.Info("auto-delete-stale complete", "deleted", result.Deleted, "failed", result.Failed)
	return result, nil
}

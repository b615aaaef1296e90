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

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	Synced      int           `json:"synced"`
	MarkedStale int           `json:"marked_stale"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration_ms"`
}

// RunSync reconciles the store against the upstream listing: new accounts
// are inserted as available, known available/stale records are refreshed,
// and available records that vanished upstream become stale. Records with
// in-flight statuses (allocated, pending_deletion, deletion_failed) are
// never touched.
func (b *Broker) RunSync(ctx context.Context) (SyncResult, error) {
	log := klog.FromContext(ctx)
	start := b.clock()
	result := SyncResult{}

	var accounts []upstream.Account
	err := b.breaker.Do(func() error {
		var listErr error
		accounts, listErr = b.upstream.ListActive(ctx)
		return listErr
	})
	if err != nil {
		var open *breaker.ErrOpen
		if errors.As(err, &open) {
			circuitOpenTotal.WithLabelValues("sync").Inc()
		}
		syncRuns.WithLabelValues("error").Inc()
		syncDuration.Observe(time.Since(start).Seconds())
		return result, err
	}

	upstreamIDs := make(map[string]struct{}, len(accounts))
	now := b.now()
	for _, acct := range accounts {
		upstreamIDs[acct.ID] = struct{}{}

		existing, err := b.store.Get(ctx, acct.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			syncRuns.WithLabelValues("error").Inc()
			return result, err
		}
		if existing != nil &&
			existing.Status != store.StatusAvailable && existing.Status != store.StatusStale {
			// in-flight work must not be trampled
			continue
		}

		sb := &store.Sandbox{
			SandboxID:        acct.ID,
			Name:             acct.Name,
			ExternalID:       acct.ExternalID,
			Status:           store.StatusAvailable,
			LabDurationHours: b.opts.LabDurationHours,
			LastSynced:       now,
			CreatedAt:        acct.CreatedAt,
		}
		if existing != nil {
			sb.CreatedAt = existing.CreatedAt
		}
		if err := b.store.Put(ctx, sb); err != nil {
			syncRuns.WithLabelValues("error").Inc()
			return result, err
		}
		result.Synced++
	}

	// second pass: available records missing upstream drift to stale
	cursor := ""
	for {
		page, next, err := b.store.Enumerate(ctx, cursor, 0)
		if err != nil {
			syncRuns.WithLabelValues("error").Inc()
			return result, err
		}
		for _, sb := range page {
			if sb.Status != store.StatusAvailable {
				continue
			}
			if _, present := upstreamIDs[sb.SandboxID]; present {
				continue
			}
			sb.Status = store.StatusStale
			if err := b.store.Put(ctx, sb); err != nil {
				syncRuns.WithLabelValues("error").Inc()
				return result, err
			}
			result.MarkedStale++
			log.Info("sandbox vanished upstream, marked stale", "sandboxID", sb.SandboxID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	syncRuns.WithLabelValues("success").Inc()
	syncSynced.Add(float64(result.Synced))
	syncStale.Add(float64(result.MarkedStale))
	syncDuration.Observe(result.Duration.Seconds())
	log.Info("sync run complete", "synced", result.Synced,
		"markedStale", result.MarkedStale, "cost", result.Duration)
	return result, nil
}

package broker

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/samber/lo"
	"k8s.io/klog/v2"

	brokererrors "github.com/skillpod/sandbox-broker/pkg/broker/errors"
	"github.com/skillpod/sandbox-broker/pkg/store"
)

// AllocateRequest describes one allocation attempt. Owner identifies the
// student's lab session instance; the effective idempotency key defaults to
// it.
type AllocateRequest struct {
	Owner          string
	IdempotencyKey string
	LabTag         string
	NamePrefix     string
}

func (r AllocateRequest) effectiveKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return r.Owner
}

// Allocate hands the caller a distinct sandbox from the pool, or returns
// the one it already holds. The second return value is false for an
// idempotent hit.
//
// The claim protocol: fetch K available candidates, shuffle, then walk the
// list attempting one conditional write per candidate with randomized
// exponential backoff between attempts. Without the shuffle, N concurrent
// callers reading the same ordered K-list would all collide on candidate 0
// first; with it, expected collisions per success drop to about N/K.
func (b *Broker) Allocate(ctx context.Context, req AllocateRequest) (*store.Sandbox, bool, error) {
	log := klog.FromContext(ctx)
	start := b.clock()
	now := start.Unix()
	idemKey := req.effectiveKey()

	if req.Owner == "" {
		return nil, false, brokererrors.NewError(brokererrors.ErrorBadRequest, "owner id is required")
	}

	// Idempotent short-circuit: a retrying client that already holds a live
	// allocation is never issued a second one.
	existing, err := b.store.QueryByIdempotencyKey(ctx, idemKey)
	if err != nil {
		b.observeAllocate("error", start)
		return nil, false, brokererrors.Newf(brokererrors.ErrorStoreUnavailable, "idempotency lookup: %v", err)
	}
	if existing != nil && existing.Status == store.StatusAllocated &&
		!existing.IsExpired(now, b.opts.GracePeriod()) {
		allocateIdempotentHits.Inc()
		b.observeAllocate("idempotent", start)
		log.V(2).Info("allocation request answered idempotently",
			"sandboxID", existing.SandboxID, "owner", req.Owner)
		return existing, false, nil
	}

	candidates, err := b.store.QueryByStatus(ctx, store.StatusAvailable, b.opts.Candidates)
	if err != nil {
		b.observeAllocate("error", start)
		return nil, false, brokererrors.Newf(brokererrors.ErrorStoreUnavailable, "candidate scan: %v", err)
	}
	if req.NamePrefix != "" {
		candidates = lo.Filter(candidates, func(sb *store.Sandbox, _ int) bool {
			return strings.HasPrefix(sb.Name, req.NamePrefix)
		})
	}
	if len(candidates) == 0 {
		b.observeAllocate("no_sandboxes", start)
		return nil, false, brokererrors.NewError(brokererrors.ErrorNoSandboxesAvailable,
			"no sandboxes available in pool")
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	conflicts := 0
	for attempt, candidate := range candidates {
		sb, err := b.store.ConditionalAllocate(ctx, candidate.SandboxID, req.Owner, idemKey, now, req.LabTag)
		if err == nil {
			if conflicts > 0 {
				allocateConflicts.Add(float64(conflicts))
			}
			b.observeAllocate("success", start)
			log.Info("sandbox allocated", "sandboxID", sb.SandboxID,
				"owner", req.Owner, "conflicts", conflicts, "cost", time.Since(start))
			return sb, true, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			b.observeAllocate("error", start)
			return nil, false, brokererrors.Newf(brokererrors.ErrorStoreUnavailable, "conditional allocate: %v", err)
		}

		// another caller won this candidate
		conflicts++
		if attempt < len(candidates)-1 {
			if err := b.sleep(ctx, b.backoff(attempt)); err != nil {
				b.observeAllocate("error", start)
				return nil, false, err
			}
		}
	}

	allocateConflicts.Add(float64(conflicts))
	b.observeAllocate("no_sandboxes", start)
	return nil, false, brokererrors.Newf(brokererrors.ErrorNoSandboxesAvailable,
		"failed to allocate after %d attempts (high contention)", len(candidates))
}

// backoff returns uniform(0, min(2^attempt * base, max)).
func (b *Broker) backoff(attempt int) time.Duration {
	ceiling := b.opts.BackoffBase << attempt
	if ceiling > b.opts.BackoffMax || ceiling <= 0 {
		ceiling = b.opts.BackoffMax
	}
	return time.Duration(rand.Float64() * float64(ceiling))
}

// GetSandbox returns the record iff the caller currently owns it.
func (b *Broker) GetSandbox(ctx context.Context, sandboxID, owner string) (*store.Sandbox, error) {
	sb, err := b.store.Get(ctx, sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, brokererrors.Newf(brokererrors.ErrorNotOwner, "sandbox %s not found", sandboxID)
	}
	if err != nil {
		return nil, brokererrors.Newf(brokererrors.ErrorStoreUnavailable, "get sandbox: %v", err)
	}
	if !sb.IsOwnedBy(owner) {
		return nil, brokererrors.Newf(brokererrors.ErrorNotOwner,
			"sandbox %s is not owned by %s", sandboxID, owner)
	}
	return sb, nil
}

func (b *Broker) observeAllocate(outcome string, start time.Time) {
	allocateTotal.WithLabelValues(outcome).Inc()
	allocationLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

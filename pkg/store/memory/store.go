// Package memory is a mutex-guarded Store used by tests and local
// development. Conditional writes are atomic under the lock, which gives
// the same per-record linearizability the DynamoDB driver provides.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/skillpod/sandbox-broker/pkg/store"
)

type Store struct {
	mu      sync.Mutex
	records map[string]*store.Sandbox
	clock   func() int64
}

var _ store.Store = &Store{}

func New() *Store {
	return &Store{
		records: make(map[string]*store.Sandbox),
		clock:   func() int64 { return time.Now().Unix() },
	}
}

// SetClock overrides the timestamp source, for tests.
func (s *Store) SetClock(clock func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) Get(_ context.Context, sandboxID string) (*store.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.records[sandboxID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyOf(sb), nil
}

func (s *Store) Put(_ context.Context, sb *store.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyOf(sb)
	cp.UpdatedAt = s.clock()
	if cp.CreatedAt == 0 {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.records[cp.SandboxID] = cp
	return nil
}

func (s *Store) Delete(_ context.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sandboxID)
	return nil
}

func (s *Store) QueryByStatus(_ context.Context, status store.Status, limit int) ([]*store.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := lo.Filter(lo.Values(s.records), func(sb *store.Sandbox, _ int) bool {
		return sb.Status == status
	})
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AllocatedAt != matched[j].AllocatedAt {
			return matched[i].AllocatedAt < matched[j].AllocatedAt
		}
		return matched[i].SandboxID < matched[j].SandboxID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return lo.Map(matched, func(sb *store.Sandbox, _ int) *store.Sandbox {
		return copyOf(sb)
	}), nil
}

func (s *Store) QueryByIdempotencyKey(_ context.Context, key string) (*store.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sb := range s.records {
		if sb.IdempotencyKey == key {
			return copyOf(sb), nil
		}
	}
	return nil, nil
}

func (s *Store) Enumerate(_ context.Context, cursor string, limit int) ([]*store.Sandbox, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.records)
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(ids, cursor)
		if start < len(ids) && ids[start] == cursor {
			start++
		}
	}
	if limit <= 0 {
		limit = len(ids)
	}

	var page []*store.Sandbox
	var next string
	for i := start; i < len(ids) && len(page) < limit; i++ {
		page = append(page, copyOf(s.records[ids[i]]))
		if len(page) == limit && i+1 < len(ids) {
			next = ids[i]
		}
	}
	return page, next, nil
}

func (s *Store) ConditionalAllocate(_ context.Context, sandboxID, owner, idemKey string, now int64, labTag string) (*store.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.records[sandboxID]
	if !ok || sb.Status != store.StatusAvailable {
		return nil, store.ErrConditionFailed
	}
	sb.Status = store.StatusAllocated
	sb.AllocatedToOwner = owner
	sb.AllocatedAt = now
	sb.IdempotencyKey = idemKey
	sb.UpdatedAt = now
	if labTag != "" {
		sb.LabTag = labTag
	}
	return copyOf(sb), nil
}

func (s *Store) ConditionalMarkForDeletion(_ context.Context, sandboxID, owner string, now, minValidAllocatedAt int64) (*store.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.records[sandboxID]
	if !ok || sb.Status != store.StatusAllocated ||
		sb.AllocatedToOwner != owner || sb.AllocatedAt <= minValidAllocatedAt {
		return nil, store.ErrConditionFailed
	}
	sb.Status = store.StatusPendingDeletion
	sb.DeletionRequestedAt = now
	sb.UpdatedAt = now
	return copyOf(sb), nil
}

func copyOf(sb *store.Sandbox) *store.Sandbox {
	cp := *sb
	return &cp
}

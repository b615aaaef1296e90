// Package store defines the sandbox record and the narrow persistence
// interface every other component consumes. The two conditional operations
// are the only place where cross-request consistency is established.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a sandbox record.
type Status string

const (
	StatusAvailable       = Status("available")
	StatusAllocated       = Status("allocated")
	StatusPendingDeletion = Status("pending_deletion")
	StatusStale           = Status("stale")
	StatusDeletionFailed  = Status("deletion_failed")
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{
	StatusAvailable,
	StatusAllocated,
	StatusPendingDeletion,
	StatusStale,
	StatusDeletionFailed,
}

// Sandbox is a pre-provisioned cloud account handed out to one lab session
// at a time. Timestamps are integer seconds since epoch. AllocatedAt is 0
// while unallocated so the (status, allocated_at) index is always populated.
type Sandbox struct {
	SandboxID           string `dynamodbav:"sandbox_id" json:"sandbox_id"`
	Name                string `dynamodbav:"name" json:"name"`
	ExternalID          string `dynamodbav:"external_id" json:"external_id"`
	Status              Status `dynamodbav:"status" json:"status"`
	AllocatedToOwner    string `dynamodbav:"allocated_to_owner,omitempty" json:"allocated_to_owner,omitempty"`
	AllocatedAt         int64  `dynamodbav:"allocated_at" json:"allocated_at"`
	LabDurationHours    int    `dynamodbav:"lab_duration_hours" json:"lab_duration_hours"`
	DeletionRequestedAt int64  `dynamodbav:"deletion_requested_at,omitempty" json:"deletion_requested_at,omitempty"`
	DeletionRetryCount  int    `dynamodbav:"deletion_retry_count" json:"deletion_retry_count"`
	LastSynced          int64  `dynamodbav:"last_synced,omitempty" json:"last_synced,omitempty"`
	IdempotencyKey      string `dynamodbav:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	LabTag              string `dynamodbav:"lab_tag,omitempty" json:"lab_tag,omitempty"`
	CreatedAt           int64  `dynamodbav:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt           int64  `dynamodbav:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// ExpiresAt returns the allocation deadline, or 0 when not allocated.
func (s *Sandbox) ExpiresAt() int64 {
	if s.Status != StatusAllocated || s.AllocatedAt == 0 {
		return 0
	}
	return s.AllocatedAt + int64(s.LabDurationHours)*3600
}

// IsExpired reports whether the allocation is past its deadline plus grace.
func (s *Sandbox) IsExpired(now int64, grace time.Duration) bool {
	if s.Status != StatusAllocated || s.AllocatedAt == 0 {
		return false
	}
	threshold := s.AllocatedAt + int64(s.LabDurationHours)*3600 + int64(grace.Seconds())
	return now > threshold
}

// IsOwnedBy reports whether the record is currently allocated to owner.
func (s *Sandbox) IsOwnedBy(owner string) bool {
	return s.Status == StatusAllocated && s.AllocatedToOwner == owner
}

// ErrConditionFailed is returned by the conditional operations when the
// record exists but the precondition does not hold (ordinary contention).
// It is an expected control-flow outcome, never an infrastructure error.
var ErrConditionFailed = errors.New("store: condition failed")

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("store: sandbox not found")

// Store is the persistence surface of the broker. Implementations must make
// ConditionalAllocate and ConditionalMarkForDeletion single round-trip,
// atomic and linearizable with respect to the targeted record.
type Store interface {
	Get(ctx context.Context, sandboxID string) (*Sandbox, error)
	// Put upserts the record unconditionally and stamps UpdatedAt.
	Put(ctx context.Context, sb *Sandbox) error
	Delete(ctx context.Context, sandboxID string) error

	// QueryByStatus returns up to limit records with the given status,
	// ordered by allocated_at. limit <= 0 means no limit.
	QueryByStatus(ctx context.Context, status Status, limit int) ([]*Sandbox, error)
	// QueryByIdempotencyKey returns at most one record carrying the key, or
	// nil. The record is not guaranteed to still be allocated.
	QueryByIdempotencyKey(ctx context.Context, key string) (*Sandbox, error)
	// Enumerate pages through all records. An empty cursor starts from the
	// beginning; the returned cursor is empty when exhausted.
	Enumerate(ctx context.Context, cursor string, limit int) ([]*Sandbox, string, error)

	// ConditionalAllocate transitions available -> allocated iff the record
	// exists and status == available. On mismatch it returns
	// ErrConditionFailed.
	ConditionalAllocate(ctx context.Context, sandboxID, owner, idemKey string, now int64, labTag string) (*Sandbox, error)
	// ConditionalMarkForDeletion transitions allocated -> pending_deletion
	// iff the record exists, status == allocated, the owner matches and
	// allocated_at > minValidAllocatedAt. On mismatch it returns
	// ErrConditionFailed.
	ConditionalMarkForDeletion(ctx context.Context, sandboxID, owner string, now, minValidAllocatedAt int64) (*Sandbox, error)
}

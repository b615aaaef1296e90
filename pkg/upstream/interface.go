// Package upstream defines the adapter over the external cloud provider
// that owns the physical sandbox accounts. The broker never creates
// accounts; it only lists and destroys them.
package upstream

import "context"

// Account is one pre-provisioned sandbox account as listed upstream.
type Account struct {
	// ID is the provider's stable identifier, used as the broker's
	// sandbox_id.
	ID string `json:"id"`
	Name string `json:"name"`
	// ExternalID is the opaque handle stored verbatim; deletion derives the
	// concrete resource id from its tail segment.
	ExternalID string `json:"external_id"`
	CreatedAt  int64  `json:"created_at"`
}

// DeleteResult classifies the outcome of a delete call.
type DeleteResult int

const (
	// Deleted means the provider confirmed removal.
	Deleted DeleteResult = iota
	// AlreadyAbsent means the provider reported the account missing (404);
	// cleanup treats it as success.
	AlreadyAbsent
	// TransientFailure means the call failed and should be retried later.
	TransientFailure
)

func (r DeleteResult) String() string {
	switch r {
	case Deleted:
		return "deleted"
	case AlreadyAbsent:
		return "already_absent"
	default:
		return "transient_failure"
	}
}

// Client is the upstream surface consumed by the sync and cleanup loops.
type Client interface {
	// ListActive returns every active sandbox account.
	ListActive(ctx context.Context) ([]Account, error)
	// Delete destroys the account identified by externalID. A missing
	// account is AlreadyAbsent, not an error.
	Delete(ctx context.Context, externalID string) (DeleteResult, error)
}

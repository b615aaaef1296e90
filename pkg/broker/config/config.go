// Package config holds the broker options with their defaults.
package config

import "time"

const (
	DefaultLabDurationHours    = 4
	DefaultGracePeriodMinutes  = 30
	DefaultSyncInterval        = 600 * time.Second
	DefaultCleanupInterval     = 300 * time.Second
	DefaultCleanupBatchSize    = 10
	DefaultCleanupBatchDelay   = 2 * time.Second
	DefaultExpiryInterval      = 300 * time.Second
	DefaultCandidates          = 15
	DefaultBackoffBase         = 100 * time.Millisecond
	DefaultBackoffMax          = 5000 * time.Millisecond
	DefaultDeletionMaxAttempts = 3
	DefaultBreakerThreshold    = 5
	DefaultBreakerTimeout      = 60 * time.Second
	DefaultStaleGraceHours     = 24
)

// Options configures the broker core. Zero values are replaced by the
// defaults above in InitOptions.
type Options struct {
	// LabDurationHours is the nominal allocation horizon for a lab session.
	LabDurationHours int
	// GracePeriodMinutes is the extra time past the nominal duration before
	// the expiry loop claims an allocation.
	GracePeriodMinutes int

	SyncInterval      time.Duration
	CleanupInterval   time.Duration
	CleanupBatchSize  int
	CleanupBatchDelay time.Duration
	ExpiryInterval    time.Duration

	// Candidates is K in the K-candidate claim protocol.
	Candidates  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	DeletionMaxAttempts int

	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func InitOptions(opts Options) Options {
	if opts.LabDurationHours <= 0 {
		opts.LabDurationHours = DefaultLabDurationHours
	}
	if opts.GracePeriodMinutes <= 0 {
		opts.GracePeriodMinutes = DefaultGracePeriodMinutes
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.CleanupBatchSize <= 0 {
		opts.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if opts.CleanupBatchDelay <= 0 {
		opts.CleanupBatchDelay = DefaultCleanupBatchDelay
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = DefaultExpiryInterval
	}
	if opts.Candidates <= 0 {
		opts.Candidates = DefaultCandidates
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.DeletionMaxAttempts <= 0 {
		opts.DeletionMaxAttempts = DefaultDeletionMaxAttempts
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}
	return opts
}

// LabDuration returns the nominal lab duration.
func (o Options) LabDuration() time.Duration {
	return time.Duration(o.LabDurationHours) * time.Hour
}

// GracePeriod returns the expiry grace period.
func (o Options) GracePeriod() time.Duration {
	return time.Duration(o.GracePeriodMinutes) * time.Minute
}

// ExpiryThreshold is lab duration plus grace; allocations older than this
// are orphaned.
func (o Options) ExpiryThreshold() time.Duration {
	return o.LabDuration() + o.GracePeriod()
}

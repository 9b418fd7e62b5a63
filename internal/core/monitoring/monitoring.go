// Package monitoring defines the monitored-follow-graph and
// backfill-state entities the main stream and temp pool maintain.
package monitoring

import (
	"context"
	"time"
)

// Follow is a persisted edge: user_did follows follow_did.
// Primary key (user_did, follow_did); record_key is the only reliable
// key for processing unfollow (delete) events.
type Follow struct {
	UserDID     string
	FollowDID   string
	FollowHandle string
	RecordKey   string
	AddedAt     time.Time
}

// BackfillState tracks one monitoring user's temporary-stream lifecycle.
// LastCompletedAt is nil while a backfill is in flight.
type BackfillState struct {
	UserDID         string
	LastStartedAt   time.Time
	LastCompletedAt *time.Time
	UpdatedAt       time.Time
}

// HasCompleted reports whether the most recent backfill run finished.
func (b *BackfillState) HasCompleted() bool {
	return b.LastCompletedAt != nil && !b.LastCompletedAt.Before(b.LastStartedAt)
}

// Repository is the persistence contract for monitored follows and
// backfill state (spec §3, §4.F).
type Repository interface {
	// UpsertFollows replaces user's follow set with follows in a single
	// transaction: adds new rows, removes absent ones, and updates
	// changed handles/record keys for the rest.
	UpsertFollows(ctx context.Context, userDID string, follows []Follow) error

	// AddFollow idempotently inserts a single follow edge.
	AddFollow(ctx context.Context, f Follow) (inserted bool, err error)

	// RemoveFollowByRecordKey deletes the follow identified by
	// (userDID, recordKey), returning the deleted row if one existed.
	RemoveFollowByRecordKey(ctx context.Context, userDID, recordKey string) (*Follow, error)

	// IsFollowed reports whether any monitoring user still follows did.
	IsFollowed(ctx context.Context, did string) (bool, error)

	// AddMonitoringUser registers did as a monitoring user.
	AddMonitoringUser(ctx context.Context, did string) error

	// RemoveMonitoringUser unregisters did and its follow graph.
	RemoveMonitoringUser(ctx context.Context, did string) error

	// ListMonitoringUserDIDs returns the DIDs of all registered
	// monitoring users (the follow-graph owners, not their targets).
	ListMonitoringUserDIDs(ctx context.Context) ([]string, error)

	// IsMonitoringUser reports whether did is a registered monitoring user.
	IsMonitoringUser(ctx context.Context, did string) (bool, error)

	// ListFollowDIDs returns the distinct set of DIDs followed by any
	// monitoring user.
	ListFollowDIDs(ctx context.Context) ([]string, error)

	// ListFollowsForUser returns a user's current follow set.
	ListFollowsForUser(ctx context.Context, userDID string) ([]Follow, error)

	// GetBackfillState returns the backfill bookkeeping row for a user,
	// or nil if none exists yet.
	GetBackfillState(ctx context.Context, userDID string) (*BackfillState, error)

	// MarkBackfillStarted sets last_started_at = now, last_completed_at = null.
	MarkBackfillStarted(ctx context.Context, userDID string) error

	// MarkBackfillCompleted sets last_completed_at = now.
	MarkBackfillCompleted(ctx context.Context, userDID string) error

	// ListPendingBackfills returns users whose last backfill never
	// completed (for auto-restart on process boot, spec §4.F).
	ListPendingBackfills(ctx context.Context) ([]BackfillState, error)

	// SetProcessState persists a key/value pair used for graceful
	// shutdown resume (stop_cursor, stop_time).
	SetProcessState(ctx context.Context, key, value string) error

	// GetProcessState retrieves a previously persisted value, or ""
	// with ok=false if absent.
	GetProcessState(ctx context.Context, key string) (value string, ok bool, err error)
}

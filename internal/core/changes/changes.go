// Package changes defines the persisted profile-mutation record and
// the repository contract the Jetstream dispatcher writes through.
package changes

import (
	"context"
	"errors"
	"time"
)

// ChangeType classifies a change record by which fields transitioned.
type ChangeType string

const (
	ChangeTypeHandle   ChangeType = "handle"
	ChangeTypeProfile  ChangeType = "profile"
	ChangeTypeCombined ChangeType = "combined"
)

// ErrIgnored is an error value for a DID on the ignore list. Insert
// does not return it: an ignored DID yields an InsertOutcome of kind
// InsertKindIgnored with a nil error.
var ErrIgnored = errors.New("did is ignored")

// Change is an immutable, persisted record of a detected profile
// mutation. At least one old/new pair differs from its counterpart.
type Change struct {
	ID             string
	DID            string
	Handle         string
	OldHandle      string
	NewHandle      string
	OldDisplayName string
	NewDisplayName string
	OldAvatar      string
	NewAvatar      string
	ChangeType     ChangeType
	ChangedAt      time.Time
}

// Candidate is the not-yet-classified, not-yet-deduplicated input to
// Insert. Fields left as the empty string are treated as "unset/null"
// for duplicate-detection purposes (see Repository.FindDuplicate).
type Candidate struct {
	DID            string
	Handle         string
	OldHandle      string
	NewHandle      string
	OldDisplayName string
	NewDisplayName string
	OldAvatar      string
	NewAvatar      string
}

// InsertOutcome is the tagged result of Repository.Insert.
type InsertOutcome struct {
	Row       *Change
	Kind      InsertKind
}

// InsertKind enumerates the three shapes an Insert call can resolve to.
type InsertKind string

const (
	InsertKindInserted  InsertKind = "inserted"
	InsertKindDuplicate InsertKind = "duplicate"
	InsertKindIgnored   InsertKind = "ignored"
)

// Repository is the persistence contract for change records, the
// ignore list, and last-known-handle lookups (spec §4.C).
type Repository interface {
	// IsIgnored reports whether did is present in the ignore list.
	IsIgnored(ctx context.Context, did string) (bool, error)

	// FindDuplicate reports the existing row matching candidate's
	// (did, old_*, new_*) six-tuple under null-equal semantics, if any.
	FindDuplicate(ctx context.Context, candidate Candidate) (*Change, error)

	// Insert performs the duplicate check and the insert within the
	// same logical call. Concurrent calls with identical content may
	// both observe "no duplicate" and both insert; this is accepted
	// (see spec §4.C) — readers must deduplicate.
	Insert(ctx context.Context, candidate Candidate) (InsertOutcome, error)

	// LastKnownHandle returns the most recent non-null new_handle for
	// did, falling back to the handle column, or "" if none exists.
	LastKnownHandle(ctx context.Context, did string) (string, error)

	// AddIgnored adds did to the ignore list and, in the same
	// transaction, deletes any existing profile_changes rows for it.
	AddIgnored(ctx context.Context, did string) error

	// RemoveIgnored removes did from the ignore list.
	RemoveIgnored(ctx context.Context, did string) error
}

// ClassifyChangeType assigns the change_type for a candidate that has
// already been confirmed non-duplicate (spec §4.C.3).
func ClassifyChangeType(c Candidate) ChangeType {
	handleTransition := c.OldHandle != "" && c.NewHandle != ""
	profileTransition := c.OldDisplayName != c.NewDisplayName || c.OldAvatar != c.NewAvatar

	switch {
	case handleTransition && profileTransition:
		return ChangeTypeCombined
	case handleTransition:
		return ChangeTypeHandle
	default:
		return ChangeTypeProfile
	}
}

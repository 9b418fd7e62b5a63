package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"jetwatch/internal/core/changes"
)

type changeRepo struct {
	db *sql.DB
}

// NewChangeRepository creates a new PostgreSQL change repository.
func NewChangeRepository(db *sql.DB) changes.Repository {
	return &changeRepo{db: db}
}

func (r *changeRepo) IsIgnored(ctx context.Context, did string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ignored_users WHERE did = $1)`, did).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ignored: %w", err)
	}
	return exists, nil
}

// FindDuplicate looks up an existing row matching candidate's six-tuple
// under null-equal semantics. Plain `=` returns NULL (not TRUE) when
// either side is NULL, so an empty-string field would never match a
// previously-persisted NULL; IS NOT DISTINCT FROM treats NULL = NULL
// as true and is used for every optional column here.
func (r *changeRepo) FindDuplicate(ctx context.Context, candidate changes.Candidate) (*changes.Change, error) {
	query := `
		SELECT id, did, handle, old_handle, new_handle, old_display_name, new_display_name,
		       old_avatar, new_avatar, change_type, changed_at
		FROM profile_changes
		WHERE did = $1
		  AND old_handle IS NOT DISTINCT FROM $2
		  AND new_handle IS NOT DISTINCT FROM $3
		  AND old_display_name IS NOT DISTINCT FROM $4
		  AND new_display_name IS NOT DISTINCT FROM $5
		  AND old_avatar IS NOT DISTINCT FROM $6
		  AND new_avatar IS NOT DISTINCT FROM $7
		LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, candidate.DID,
		nullIfEmpty(candidate.OldHandle), nullIfEmpty(candidate.NewHandle),
		nullIfEmpty(candidate.OldDisplayName), nullIfEmpty(candidate.NewDisplayName),
		nullIfEmpty(candidate.OldAvatar), nullIfEmpty(candidate.NewAvatar))

	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find duplicate change: %w", err)
	}
	return c, nil
}

func (r *changeRepo) Insert(ctx context.Context, candidate changes.Candidate) (changes.InsertOutcome, error) {
	ignored, err := r.IsIgnored(ctx, candidate.DID)
	if err != nil {
		return changes.InsertOutcome{}, err
	}
	if ignored {
		return changes.InsertOutcome{Kind: changes.InsertKindIgnored}, nil
	}

	existing, err := r.FindDuplicate(ctx, candidate)
	if err != nil {
		return changes.InsertOutcome{}, err
	}
	if existing != nil {
		return changes.InsertOutcome{Row: existing, Kind: changes.InsertKindDuplicate}, nil
	}

	changeType := changes.ClassifyChangeType(candidate)
	query := `
		INSERT INTO profile_changes
			(id, did, handle, old_handle, new_handle, old_display_name, new_display_name,
			 old_avatar, new_avatar, change_type, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING id, did, handle, old_handle, new_handle, old_display_name, new_display_name,
		          old_avatar, new_avatar, change_type, changed_at`

	row := r.db.QueryRowContext(ctx, query, uuid.NewString(), candidate.DID, candidate.Handle,
		nullIfEmpty(candidate.OldHandle), nullIfEmpty(candidate.NewHandle),
		nullIfEmpty(candidate.OldDisplayName), nullIfEmpty(candidate.NewDisplayName),
		nullIfEmpty(candidate.OldAvatar), nullIfEmpty(candidate.NewAvatar), changeType)

	c, err := scanChange(row)
	if err != nil {
		return changes.InsertOutcome{}, fmt.Errorf("insert change: %w", err)
	}
	return changes.InsertOutcome{Row: c, Kind: changes.InsertKindInserted}, nil
}

func (r *changeRepo) LastKnownHandle(ctx context.Context, did string) (string, error) {
	var handle sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(new_handle, handle)
		FROM profile_changes
		WHERE did = $1
		ORDER BY changed_at DESC
		LIMIT 1`, did).Scan(&handle)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last known handle: %w", err)
	}
	return handle.String, nil
}

func (r *changeRepo) AddIgnored(ctx context.Context, did string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add ignored: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ignored_users (did) VALUES ($1) ON CONFLICT (did) DO NOTHING`, did); err != nil {
		return fmt.Errorf("insert ignored: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM profile_changes WHERE did = $1`, did); err != nil {
		return fmt.Errorf("purge changes for ignored did: %w", err)
	}
	return tx.Commit()
}

func (r *changeRepo) RemoveIgnored(ctx context.Context, did string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ignored_users WHERE did = $1`, did)
	if err != nil {
		return fmt.Errorf("remove ignored: %w", err)
	}
	return nil
}

func scanChange(row *sql.Row) (*changes.Change, error) {
	var c changes.Change
	var oldHandle, newHandle, oldDisplayName, newDisplayName, oldAvatar, newAvatar sql.NullString
	var changeType string
	err := row.Scan(&c.ID, &c.DID, &c.Handle, &oldHandle, &newHandle, &oldDisplayName, &newDisplayName,
		&oldAvatar, &newAvatar, &changeType, &c.ChangedAt)
	if err != nil {
		return nil, err
	}
	c.OldHandle = oldHandle.String
	c.NewHandle = newHandle.String
	c.OldDisplayName = oldDisplayName.String
	c.NewDisplayName = newDisplayName.String
	c.OldAvatar = oldAvatar.String
	c.NewAvatar = newAvatar.String
	c.ChangeType = changes.ChangeType(changeType)
	return &c, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

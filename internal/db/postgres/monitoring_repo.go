package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"jetwatch/internal/core/monitoring"
)

type monitoringRepo struct {
	db *sql.DB
}

// NewMonitoringRepository creates a new PostgreSQL monitoring repository.
func NewMonitoringRepository(db *sql.DB) monitoring.Repository {
	return &monitoringRepo{db: db}
}

func (r *monitoringRepo) UpsertFollows(ctx context.Context, userDID string, follows []monitoring.Follow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert follows: %w", err)
	}
	defer tx.Rollback()

	wanted := make(map[string]monitoring.Follow, len(follows))
	for _, f := range follows {
		wanted[f.FollowDID] = f
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT follow_did FROM monitored_follows WHERE user_did = $1`, userDID)
	if err != nil {
		return fmt.Errorf("list existing follows: %w", err)
	}
	existing := make(map[string]struct{})
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			rows.Close()
			return fmt.Errorf("scan existing follow: %w", err)
		}
		existing[did] = struct{}{}
	}
	rows.Close()

	for did := range existing {
		if _, ok := wanted[did]; !ok {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM monitored_follows WHERE user_did = $1 AND follow_did = $2`, userDID, did); err != nil {
				return fmt.Errorf("delete stale follow: %w", err)
			}
		}
	}

	for _, f := range wanted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO monitored_follows (user_did, follow_did, follow_handle, rkey, added_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (user_did, follow_did) DO UPDATE
				SET follow_handle = EXCLUDED.follow_handle, rkey = EXCLUDED.rkey`,
			userDID, f.FollowDID, f.FollowHandle, f.RecordKey); err != nil {
			return fmt.Errorf("upsert follow: %w", err)
		}
	}

	return tx.Commit()
}

func (r *monitoringRepo) AddFollow(ctx context.Context, f monitoring.Follow) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO monitored_follows (user_did, follow_did, follow_handle, rkey, added_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_did, follow_did) DO NOTHING`,
		f.UserDID, f.FollowDID, f.FollowHandle, f.RecordKey)
	if err != nil {
		return false, fmt.Errorf("add follow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add follow rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *monitoringRepo) RemoveFollowByRecordKey(ctx context.Context, userDID, recordKey string) (*monitoring.Follow, error) {
	var f monitoring.Follow
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM monitored_follows
		WHERE user_did = $1 AND rkey = $2
		RETURNING user_did, follow_did, follow_handle, rkey, added_at`,
		userDID, recordKey).Scan(&f.UserDID, &f.FollowDID, &f.FollowHandle, &f.RecordKey, &f.AddedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remove follow by record key: %w", err)
	}
	return &f, nil
}

func (r *monitoringRepo) IsFollowed(ctx context.Context, did string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM monitored_follows WHERE follow_did = $1)`, did).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is followed: %w", err)
	}
	return exists, nil
}

func (r *monitoringRepo) AddMonitoringUser(ctx context.Context, did string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO monitoring_users (did) VALUES ($1) ON CONFLICT (did) DO NOTHING`, did)
	if err != nil {
		return fmt.Errorf("add monitoring user: %w", err)
	}
	return nil
}

func (r *monitoringRepo) RemoveMonitoringUser(ctx context.Context, did string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove monitoring user: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM monitored_follows WHERE user_did = $1`, did); err != nil {
		return fmt.Errorf("delete monitored follows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM monitoring_backfill_state WHERE user_did = $1`, did); err != nil {
		return fmt.Errorf("delete backfill state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM monitoring_users WHERE did = $1`, did); err != nil {
		return fmt.Errorf("delete monitoring user: %w", err)
	}
	return tx.Commit()
}

func (r *monitoringRepo) ListMonitoringUserDIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT did FROM monitoring_users`)
	if err != nil {
		return nil, fmt.Errorf("list monitoring user dids: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (r *monitoringRepo) IsMonitoringUser(ctx context.Context, did string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM monitoring_users WHERE did = $1)`, did).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is monitoring user: %w", err)
	}
	return exists, nil
}

func (r *monitoringRepo) ListFollowDIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT follow_did FROM monitored_follows`)
	if err != nil {
		return nil, fmt.Errorf("list follow dids: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (r *monitoringRepo) ListFollowsForUser(ctx context.Context, userDID string) ([]monitoring.Follow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_did, follow_did, follow_handle, rkey, added_at
		FROM monitored_follows WHERE user_did = $1`, userDID)
	if err != nil {
		return nil, fmt.Errorf("list follows for user: %w", err)
	}
	defer rows.Close()

	var out []monitoring.Follow
	for rows.Next() {
		var f monitoring.Follow
		var handle sql.NullString
		if err := rows.Scan(&f.UserDID, &f.FollowDID, &handle, &f.RecordKey, &f.AddedAt); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		f.FollowHandle = handle.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *monitoringRepo) GetBackfillState(ctx context.Context, userDID string) (*monitoring.BackfillState, error) {
	var s monitoring.BackfillState
	var completed sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT user_did, last_started_at, last_completed_at, updated_at
		FROM monitoring_backfill_state WHERE user_did = $1`, userDID).
		Scan(&s.UserDID, &s.LastStartedAt, &completed, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill state: %w", err)
	}
	if completed.Valid {
		s.LastCompletedAt = &completed.Time
	}
	return &s, nil
}

func (r *monitoringRepo) MarkBackfillStarted(ctx context.Context, userDID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO monitoring_backfill_state (user_did, last_started_at, last_completed_at, updated_at)
		VALUES ($1, now(), NULL, now())
		ON CONFLICT (user_did) DO UPDATE
			SET last_started_at = now(), last_completed_at = NULL, updated_at = now()`, userDID)
	if err != nil {
		return fmt.Errorf("mark backfill started: %w", err)
	}
	return nil
}

func (r *monitoringRepo) MarkBackfillCompleted(ctx context.Context, userDID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE monitoring_backfill_state
		SET last_completed_at = now(), updated_at = now()
		WHERE user_did = $1`, userDID)
	if err != nil {
		return fmt.Errorf("mark backfill completed: %w", err)
	}
	return nil
}

func (r *monitoringRepo) ListPendingBackfills(ctx context.Context) ([]monitoring.BackfillState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_did, last_started_at, last_completed_at, updated_at
		FROM monitoring_backfill_state
		WHERE last_completed_at IS NULL OR last_completed_at < last_started_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending backfills: %w", err)
	}
	defer rows.Close()

	var out []monitoring.BackfillState
	for rows.Next() {
		var s monitoring.BackfillState
		var completed sql.NullTime
		if err := rows.Scan(&s.UserDID, &s.LastStartedAt, &completed, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending backfill: %w", err)
		}
		if completed.Valid {
			s.LastCompletedAt = &completed.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *monitoringRepo) SetProcessState(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("set process state: %w", err)
	}
	return nil
}

func (r *monitoringRepo) GetProcessState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get process state: %w", err)
	}
	return value, true, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/pitabwire/portal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS registration_drafts (
	owner_id        TEXT PRIMARY KEY,
	completed_steps TEXT NOT NULL DEFAULT '[]',
	current_step    INTEGER NOT NULL DEFAULT 1,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS registration_draft_steps (
	owner_id   TEXT NOT NULL,
	step_key   TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner_id, step_key)
);
`

// SQLiteStore is a single-node Store on an embedded SQLite file. Timestamps
// are stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the draft header and step rows.
func (s *SQLiteStore) Load(ctx context.Context, ownerID string) (model.DraftRecord, error) {
	rec := model.DraftRecord{OwnerID: ownerID}
	var completedJSON string
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT completed_steps, current_step, updated_at FROM registration_drafts WHERE owner_id = ?`,
		ownerID,
	).Scan(&completedJSON, &rec.CurrentStep, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DraftRecord{}, ErrNotFound
	}
	if err != nil {
		return model.DraftRecord{}, fmt.Errorf("query draft: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &rec.CompletedSteps); err != nil {
		return model.DraftRecord{}, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	rec.UpdatedAt = time.UnixMicro(updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_key, data, updated_at FROM registration_draft_steps WHERE owner_id = ?`,
		ownerID,
	)
	if err != nil {
		return model.DraftRecord{}, fmt.Errorf("query draft steps: %w", err)
	}
	defer rows.Close()

	rec.Document = model.Document{}
	rec.StepUpdatedAt = map[model.StepKey]time.Time{}
	for rows.Next() {
		var key, dataJSON string
		var stepUpdated int64
		if err := rows.Scan(&key, &dataJSON, &stepUpdated); err != nil {
			return model.DraftRecord{}, fmt.Errorf("scan draft step: %w", err)
		}
		var sub model.SubDocument
		if err := json.Unmarshal([]byte(dataJSON), &sub); err != nil {
			return model.DraftRecord{}, fmt.Errorf("unmarshal step %s: %w", key, err)
		}
		rec.Document[model.StepKey(key)] = sub
		rec.StepUpdatedAt[model.StepKey(key)] = time.UnixMicro(stepUpdated).UTC()
	}
	if err := rows.Err(); err != nil {
		return model.DraftRecord{}, fmt.Errorf("iterate draft steps: %w", err)
	}
	return rec, nil
}

// SaveStep upserts header and step in one transaction.
func (s *SQLiteStore) SaveStep(ctx context.Context, w StepWrite) error {
	completedJSON, err := json.Marshal(w.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}
	dataJSON, err := json.Marshal(w.Data)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	ts := w.UpdatedAt.UnixMicro()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registration_drafts (owner_id, completed_steps, current_step, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			completed_steps = excluded.completed_steps,
			current_step    = excluded.current_step,
			updated_at      = excluded.updated_at
		WHERE registration_drafts.updated_at <= excluded.updated_at`,
		w.OwnerID, string(completedJSON), w.CurrentStep, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert draft: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registration_draft_steps (owner_id, step_key, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, step_key) DO UPDATE SET
			data       = excluded.data,
			updated_at = excluded.updated_at
		WHERE registration_draft_steps.updated_at <= excluded.updated_at`,
		w.OwnerID, string(w.Key), string(dataJSON), ts,
	)
	if err != nil {
		return fmt.Errorf("upsert draft step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the draft and its steps.
func (s *SQLiteStore) Delete(ctx context.Context, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM registration_draft_steps WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("delete draft steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM registration_drafts WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return tx.Commit()
}

// List returns drafts newest first.
func (s *SQLiteStore) List(ctx context.Context, filters model.DraftFilters) ([]model.DraftRecord, error) {
	query := `SELECT owner_id FROM registration_drafts`
	var (
		where []string
		args  []any
	)
	if filters.TenantID != "" {
		prefix := filters.TenantID + "/"
		where = append(where, `substr(owner_id, 1, length(?)) = ?`)
		args = append(args, prefix, prefix)
	}
	if !filters.UpdatedBefore.IsZero() {
		where = append(where, `updated_at < ?`)
		args = append(args, filters.UpdatedBefore.UnixMicro())
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY updated_at DESC, owner_id ASC`
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		owners = append(owners, owner)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}

	records := make([]model.DraftRecord, 0, len(owners))
	for _, owner := range owners {
		rec, err := s.Load(ctx, owner)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/portal/model"
)

// PgSchema creates the draft tables. It is idempotent.
const PgSchema = `
CREATE TABLE IF NOT EXISTS registration_drafts (
	owner_id        TEXT PRIMARY KEY,
	completed_steps JSONB NOT NULL DEFAULT '[]',
	current_step    INTEGER NOT NULL DEFAULT 1,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS registration_draft_steps (
	owner_id   TEXT NOT NULL REFERENCES registration_drafts (owner_id) ON DELETE CASCADE,
	step_key   TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, step_key)
);
CREATE INDEX IF NOT EXISTS registration_drafts_updated_at_idx ON registration_drafts (updated_at DESC);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each step is its own
// JSONB row so concurrent writes to different steps never collide.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL draft store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the draft tables when missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create draft schema: %w", err)
	}
	return nil
}

// Load reads the draft header and all step rows.
func (s *PgStore) Load(ctx context.Context, ownerID string) (model.DraftRecord, error) {
	rec := model.DraftRecord{OwnerID: ownerID}
	var completedJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT completed_steps, current_step, updated_at
		FROM registration_drafts
		WHERE owner_id = $1`,
		ownerID,
	).Scan(&completedJSON, &rec.CurrentStep, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DraftRecord{}, ErrNotFound
	}
	if err != nil {
		return model.DraftRecord{}, fmt.Errorf("query draft: %w", err)
	}
	if err := json.Unmarshal(completedJSON, &rec.CompletedSteps); err != nil {
		return model.DraftRecord{}, fmt.Errorf("unmarshal completed steps: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT step_key, data, updated_at
		FROM registration_draft_steps
		WHERE owner_id = $1`,
		ownerID,
	)
	if err != nil {
		return model.DraftRecord{}, fmt.Errorf("query draft steps: %w", err)
	}
	defer rows.Close()

	rec.Document = model.Document{}
	rec.StepUpdatedAt = map[model.StepKey]time.Time{}
	for rows.Next() {
		var key string
		var dataJSON []byte
		var updatedAt time.Time
		if err := rows.Scan(&key, &dataJSON, &updatedAt); err != nil {
			return model.DraftRecord{}, fmt.Errorf("scan draft step: %w", err)
		}
		var sub model.SubDocument
		if err := json.Unmarshal(dataJSON, &sub); err != nil {
			return model.DraftRecord{}, fmt.Errorf("unmarshal step %s: %w", key, err)
		}
		rec.Document[model.StepKey(key)] = sub
		rec.StepUpdatedAt[model.StepKey(key)] = updatedAt
	}
	if err := rows.Err(); err != nil {
		return model.DraftRecord{}, fmt.Errorf("iterate draft steps: %w", err)
	}
	return rec, nil
}

// SaveStep upserts the header and the step row in one transaction. Each
// upsert only applies when the incoming timestamp is not older than the
// stored one.
func (s *PgStore) SaveStep(ctx context.Context, w StepWrite) error {
	completedJSON, err := json.Marshal(w.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}
	dataJSON, err := json.Marshal(w.Data)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO registration_drafts (owner_id, completed_steps, current_step, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id) DO UPDATE SET
				completed_steps = EXCLUDED.completed_steps,
				current_step    = EXCLUDED.current_step,
				updated_at      = EXCLUDED.updated_at
			WHERE registration_drafts.updated_at <= EXCLUDED.updated_at`,
			w.OwnerID, completedJSON, w.CurrentStep, w.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert draft: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO registration_draft_steps (owner_id, step_key, data, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id, step_key) DO UPDATE SET
				data       = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at
			WHERE registration_draft_steps.updated_at <= EXCLUDED.updated_at`,
			w.OwnerID, string(w.Key), dataJSON, w.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert draft step: %w", err)
		}
		return nil
	})
}

// Delete removes the draft; step rows cascade.
func (s *PgStore) Delete(ctx context.Context, ownerID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM registration_drafts WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// List returns draft headers with their documents, newest first.
func (s *PgStore) List(ctx context.Context, filters model.DraftFilters) ([]model.DraftRecord, error) {
	query := `SELECT owner_id FROM registration_drafts`
	var (
		where  []string
		args   []any
		argIdx = 1
	)

	if filters.TenantID != "" {
		where = append(where, fmt.Sprintf("starts_with(owner_id, $%d)", argIdx))
		args = append(args, filters.TenantID+"/")
		argIdx++
	}
	if !filters.UpdatedBefore.IsZero() {
		where = append(where, fmt.Sprintf("updated_at < $%d", argIdx))
		args = append(args, filters.UpdatedBefore)
		argIdx++
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY updated_at DESC, owner_id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan drafts: %w", err)
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

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

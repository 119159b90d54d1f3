package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/portal/model"
)

// PgSchema creates the registrations table. It is idempotent.
const PgSchema = `
CREATE TABLE IF NOT EXISTS registrations (
	owner_id     TEXT PRIMARY KEY,
	reference_id TEXT NOT NULL UNIQUE,
	document     JSONB NOT NULL,
	status       TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL
);
`

// PgService is a PostgreSQL-backed Service. The owner_id primary key makes
// Submit idempotent.
type PgService struct {
	pool *pgxpool.Pool
}

// NewPgService creates a PostgreSQL submission service.
func NewPgService(pool *pgxpool.Pool) *PgService {
	return &PgService{pool: pool}
}

// EnsureSchema creates the registrations table when missing.
func (s *PgService) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create registrations schema: %w", err)
	}
	return nil
}

// Submit inserts the registration unless one exists, then returns the stored
// row.
func (s *PgService) Submit(ctx context.Context, ownerID string, document model.Document) (model.SubmissionResult, error) {
	docJSON, err := json.Marshal(document)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO registrations (owner_id, reference_id, document, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, NewReferenceID(), docJSON, model.SubmissionStatusPendingReview, time.Now().UTC(),
	)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("insert registration: %w", err)
	}
	return s.Find(ctx, ownerID)
}

// Find returns the owner's registration.
func (s *PgService) Find(ctx context.Context, ownerID string) (model.SubmissionResult, error) {
	var res model.SubmissionResult
	err := s.pool.QueryRow(ctx, `
		SELECT reference_id, submitted_at, status
		FROM registrations
		WHERE owner_id = $1`,
		ownerID,
	).Scan(&res.ReferenceID, &res.SubmittedAt, &res.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SubmissionResult{}, ErrNotFound
	}
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("query registration: %w", err)
	}
	return res, nil
}

// HealthCheck pings the pool.
func (s *PgService) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Package draft persists partial registration progress and resumes it.
package draft

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pitabwire/portal/model"
)

// ErrNotFound is returned by Store.Load when the owner has no draft.
var ErrNotFound = errors.New("draft not found")

// StepWrite is one idempotent upsert of a step's sub-document together with
// the navigation state at the time of the change.
type StepWrite struct {
	OwnerID        string
	Key            model.StepKey
	Data           model.SubDocument
	CompletedSteps model.StepSet
	CurrentStep    int
	UpdatedAt      time.Time
}

// Store persists drafts. Writes are keyed by (owner, step) and resolved
// last-writer-wins on UpdatedAt, so replays and reordered writes are safe.
type Store interface {
	// Load returns the owner's draft or ErrNotFound.
	Load(ctx context.Context, ownerID string) (model.DraftRecord, error)

	// SaveStep upserts one step. A write older than the stored one for the
	// same step is ignored without error.
	SaveStep(ctx context.Context, w StepWrite) error

	// Delete removes the owner's draft. Deleting a missing draft is not an
	// error.
	Delete(ctx context.Context, ownerID string) error

	// List returns drafts for staff views, most recently updated first.
	List(ctx context.Context, filters model.DraftFilters) ([]model.DraftRecord, error)
}

// newer reports whether candidate should replace a value stored at current.
func newer(candidate, current time.Time) bool {
	return !candidate.Before(current)
}

// applyFilters sorts records by UpdatedAt descending and applies filters.
func applyFilters(records []model.DraftRecord, filters model.DraftFilters) []model.DraftRecord {
	out := records[:0]
	for _, r := range records {
		if !inTenant(r.OwnerID, filters.TenantID) {
			continue
		}
		if !filters.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(filters.UpdatedBefore) {
			continue
		}
		out = append(out, r)
	}
	sortByUpdatedDesc(out)

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []model.DraftRecord{}
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out
}

// inTenant reports whether ownerID belongs to tenantID. An empty tenant
// matches every owner.
func inTenant(ownerID, tenantID string) bool {
	return tenantID == "" || strings.HasPrefix(ownerID, tenantID+"/")
}

package draft

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/portal/model"
)

type memStep struct {
	data      model.SubDocument
	updatedAt time.Time
}

type memDraft struct {
	steps       map[model.StepKey]memStep
	completed   model.StepSet
	currentStep int
	updatedAt   time.Time
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string]*memDraft
}

// NewMemoryStore creates an empty in-memory draft store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]*memDraft)}
}

// Load returns a copy of the owner's draft.
func (s *MemoryStore) Load(_ context.Context, ownerID string) (model.DraftRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drafts[ownerID]
	if !ok {
		return model.DraftRecord{}, ErrNotFound
	}
	return d.record(ownerID), nil
}

// SaveStep upserts one step.
func (s *MemoryStore) SaveStep(_ context.Context, w StepWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[w.OwnerID]
	if !ok {
		d = &memDraft{steps: make(map[model.StepKey]memStep), completed: model.StepSet{}}
		s.drafts[w.OwnerID] = d
	}

	if cur, exists := d.steps[w.Key]; !exists || newer(w.UpdatedAt, cur.updatedAt) {
		d.steps[w.Key] = memStep{data: w.Data.Clone(), updatedAt: w.UpdatedAt}
	}
	if newer(w.UpdatedAt, d.updatedAt) {
		d.completed = w.CompletedSteps.Clone()
		d.currentStep = w.CurrentStep
		d.updatedAt = w.UpdatedAt
	}
	return nil
}

// Delete removes the owner's draft.
func (s *MemoryStore) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, ownerID)
	return nil
}

// List returns drafts matching filters.
func (s *MemoryStore) List(_ context.Context, filters model.DraftFilters) ([]model.DraftRecord, error) {
	s.mu.RLock()
	records := make([]model.DraftRecord, 0, len(s.drafts))
	for owner, d := range s.drafts {
		records = append(records, d.record(owner))
	}
	s.mu.RUnlock()

	return applyFilters(records, filters), nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of drafts. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drafts)
}

func (d *memDraft) record(ownerID string) model.DraftRecord {
	rec := model.DraftRecord{
		OwnerID:        ownerID,
		Document:       make(model.Document, len(d.steps)),
		CompletedSteps: d.completed.Clone(),
		CurrentStep:    d.currentStep,
		UpdatedAt:      d.updatedAt,
		StepUpdatedAt:  make(map[model.StepKey]time.Time, len(d.steps)),
	}
	for key, st := range d.steps {
		rec.Document[key] = st.data.Clone()
		rec.StepUpdatedAt[key] = st.updatedAt
	}
	return rec
}

func sortByUpdatedDesc(records []model.DraftRecord) {
	slices.SortFunc(records, func(a, b model.DraftRecord) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.OwnerID, b.OwnerID)
	})
}

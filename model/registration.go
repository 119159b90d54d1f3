package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// StepKey identifies one of the registration steps.
type StepKey string

// Registration step keys.
const (
	StepPersonal   StepKey = "personal"
	StepProfession StepKey = "profession"
	StepAddress    StepKey = "address"
	StepContact    StepKey = "contact"
	StepBranch     StepKey = "branch"
	StepDocuments  StepKey = "documents"
	StepReview     StepKey = "review"
)

// StepDefinition describes one registration step. Definitions are fixed at
// build time.
type StepDefinition struct {
	Key         StepKey `yaml:"key"         json:"key"`
	Order       int     `yaml:"order"       json:"order"`
	Title       string  `yaml:"title"       json:"title"`
	Description string  `yaml:"description" json:"description"`
}

// Step status values.
const (
	StepStatusNotStarted     = "not_started"
	StepStatusCompleted      = "completed"
	StepStatusCompletedStale = "completed_stale"
)

// Workflow phases.
const (
	PhaseEmpty            = "empty"
	PhaseInProgress       = "in_progress"
	PhaseAllStepsComplete = "all_steps_complete"
	PhaseSubmitted        = "submitted"
)

// SubmissionStatusPendingReview is the only status a fresh submission has.
const SubmissionStatusPendingReview = "pending_review"

// SubDocument holds the fields collected by a single step.
type SubDocument map[string]any

// Clone returns a shallow copy of the sub-document.
func (s SubDocument) Clone() SubDocument {
	if s == nil {
		return SubDocument{}
	}
	return maps.Clone(s)
}

// Document is the union of every step's sub-document.
type Document map[StepKey]SubDocument

// Clone returns a copy of the document with each sub-document copied.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, sub := range d {
		out[k] = sub.Clone()
	}
	return out
}

// Merge shallow-merges partial into the sub-document for key. Fields of other
// steps are never touched.
func (d Document) Merge(key StepKey, partial SubDocument) {
	sub, ok := d[key]
	if !ok || sub == nil {
		sub = SubDocument{}
		d[key] = sub
	}
	for field, value := range partial {
		sub[field] = value
	}
}

// StepSet is a set of step orders. It serialises as a sorted JSON array.
type StepSet map[int]struct{}

// NewStepSet returns a set containing the given orders.
func NewStepSet(orders ...int) StepSet {
	s := make(StepSet, len(orders))
	for _, o := range orders {
		s[o] = struct{}{}
	}
	return s
}

// Has reports whether order is in the set.
func (s StepSet) Has(order int) bool {
	_, ok := s[order]
	return ok
}

// Add inserts order into the set.
func (s StepSet) Add(order int) { s[order] = struct{}{} }

// Remove deletes order from the set.
func (s StepSet) Remove(order int) { delete(s, order) }

// Len returns the number of members.
func (s StepSet) Len() int { return len(s) }

// Sorted returns the members in ascending order.
func (s StepSet) Sorted() []int {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns a copy of the set.
func (s StepSet) Clone() StepSet {
	if s == nil {
		return StepSet{}
	}
	return maps.Clone(s)
}

// MarshalJSON encodes the set as a sorted array.
func (s StepSet) MarshalJSON() ([]byte, error) {
	orders := s.Sorted()
	if orders == nil {
		orders = []int{}
	}
	return json.Marshal(orders)
}

// UnmarshalJSON decodes the set from an array of orders.
func (s *StepSet) UnmarshalJSON(data []byte) error {
	var orders []int
	if err := json.Unmarshal(data, &orders); err != nil {
		return err
	}
	*s = NewStepSet(orders...)
	return nil
}

// WorkflowState is the full in-process state of one owner's registration.
type WorkflowState struct {
	OwnerID         string            `json:"owner_id"`
	CurrentStep     int               `json:"current_step"`
	CompletedSteps  StepSet           `json:"completed_steps"`
	StaleSteps      StepSet           `json:"stale_steps"`
	Document        Document          `json:"document"`
	HasResumedDraft bool              `json:"has_resumed_draft"`
	Phase           string            `json:"phase"`
	Submission      *SubmissionResult `json:"submission,omitempty"`
}

// Clone returns a deep enough copy for callers to read without holding the
// controller lock.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.CompletedSteps = s.CompletedSteps.Clone()
	out.StaleSteps = s.StaleSteps.Clone()
	out.Document = s.Document.Clone()
	if s.Submission != nil {
		sub := *s.Submission
		out.Submission = &sub
	}
	return out
}

// StepStatus derives the tagged status of the step at order.
func (s WorkflowState) StepStatus(order int) string {
	switch {
	case s.StaleSteps.Has(order) && s.CompletedSteps.Has(order):
		return StepStatusCompletedStale
	case s.CompletedSteps.Has(order):
		return StepStatusCompleted
	default:
		return StepStatusNotStarted
	}
}

// DraftRecord is the durable projection of a WorkflowState owned by the draft
// store.
type DraftRecord struct {
	OwnerID        string    `json:"owner_id"`
	Document       Document  `json:"document"`
	CompletedSteps StepSet   `json:"completed_steps"`
	CurrentStep    int       `json:"current_step"`
	UpdatedAt      time.Time `json:"updated_at"`

	StepUpdatedAt map[StepKey]time.Time `json:"step_updated_at,omitempty"`
}

// SubmissionResult is produced once per owner by the submission service.
type SubmissionResult struct {
	ReferenceID string    `json:"reference_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      string    `json:"status"`
}

// DraftFilters narrow staff draft listings.
type DraftFilters struct {
	// TenantID restricts the listing to owners of one tenant.
	TenantID      string
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

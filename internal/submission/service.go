// Package submission performs the single, idempotent final submission of a
// registration and announces it to the back office.
package submission

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/portal/model"
)

// ErrNotFound is returned by Service.Find when the owner never submitted.
var ErrNotFound = errors.New("submission not found")

// Service is the authoritative registration store. Submit is idempotent per
// owner: a retried call returns the original result.
type Service interface {
	Submit(ctx context.Context, ownerID string, document model.Document) (model.SubmissionResult, error)
	Find(ctx context.Context, ownerID string) (model.SubmissionResult, error)
}

// NewReferenceID mints a human-readable registration reference.
func NewReferenceID() string {
	id := uuid.New()
	return "REG-" + strings.ToUpper(hex.EncodeToString(id[:6]))
}

type memRegistration struct {
	result   model.SubmissionResult
	document model.Document
}

// MemoryService is an in-memory Service for tests and single-node use.
type MemoryService struct {
	mu    sync.Mutex
	regs  map[string]memRegistration
	now   func() time.Time
	calls int
}

// NewMemoryService creates an empty in-memory submission service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		regs: make(map[string]memRegistration),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Submit stores the document once per owner.
func (s *MemoryService) Submit(_ context.Context, ownerID string, document model.Document) (model.SubmissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if reg, ok := s.regs[ownerID]; ok {
		return reg.result, nil
	}
	res := model.SubmissionResult{
		ReferenceID: NewReferenceID(),
		SubmittedAt: s.now(),
		Status:      model.SubmissionStatusPendingReview,
	}
	s.regs[ownerID] = memRegistration{result: res, document: document.Clone()}
	return res, nil
}

// Find returns the owner's submission.
func (s *MemoryService) Find(_ context.Context, ownerID string) (model.SubmissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[ownerID]
	if !ok {
		return model.SubmissionResult{}, ErrNotFound
	}
	return reg.result, nil
}

// Document returns the stored document. For testing.
func (s *MemoryService) Document(ownerID string) (model.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[ownerID]
	return reg.document, ok
}

// Calls returns the number of Submit calls. For testing.
func (s *MemoryService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// HealthCheck always succeeds.
func (s *MemoryService) HealthCheck(context.Context) error {
	return nil
}


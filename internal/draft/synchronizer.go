package draft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/model"
)

// DefaultDebounce is the quiet period before a step is written.
const DefaultDebounce = 400 * time.Millisecond

// Recorder receives draft persistence metrics.
type Recorder interface {
	RecordDraftSave(step, status string)
	RecordDraftLoad(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDraftSave(string, string) {}
func (nopRecorder) RecordDraftLoad(string)         {}

// Snapshot is the resumable part of a draft.
type Snapshot struct {
	Document       model.Document
	CompletedSteps model.StepSet
	CurrentStep    int
	UpdatedAt      time.Time
}

// Status reports persistence health to the presentation layer.
type Status struct {
	HasSavedAtLeastOnce bool `json:"has_saved_at_least_once"`
	LastSaveFailed      bool `json:"last_save_failed"`
	Pending             int  `json:"pending"`
}

type pendingSave struct {
	write StepWrite
	timer *time.Timer
}

// Synchronizer debounces step writes to a Store and loads drafts fail-open.
// Writes for different step keys are independent. At most one write per key
// is in flight; a write that becomes due meanwhile waits for it, so an older
// write never lands after a newer one.
type Synchronizer struct {
	store    Store
	logger   *zap.Logger
	recorder Recorder
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	idle     *sync.Cond
	pending  map[model.StepKey]*pendingSave
	queued   map[model.StepKey]StepWrite
	sending  map[model.StepKey]bool
	status   Status
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithDebounce sets the quiet period. Zero or negative keeps the default.
func WithDebounce(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Synchronizer) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewSynchronizer creates a synchronizer over store.
func NewSynchronizer(store Store, opts ...Option) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		store:    store,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		debounce: DefaultDebounce,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[model.StepKey]*pendingSave),
		queued:   make(map[model.StepKey]StepWrite),
		sending:  make(map[model.StepKey]bool),
	}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches the owner's draft. A missing draft and a failing store both
// yield ok == false; the session then starts empty.
func (s *Synchronizer) Load(ctx context.Context, ownerID string) (Snapshot, bool) {
	ctx, span := observability.StartSpan(ctx, "draft.load", observability.AttrOwnerID.String(ownerID))
	rec, err := s.store.Load(ctx, ownerID)
	switch {
	case errors.Is(err, ErrNotFound):
		observability.EndSpanWithError(span, nil)
		s.recorder.RecordDraftLoad("not_found")
		return Snapshot{}, false
	case err != nil:
		observability.EndSpanWithError(span, err)
		s.recorder.RecordDraftLoad("error")
		s.logger.Warn("draft load failed, starting empty",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return Snapshot{}, false
	}
	observability.EndSpanWithError(span, nil)
	s.recorder.RecordDraftLoad("hit")

	snap := Snapshot{
		Document:       rec.Document,
		CompletedSteps: rec.CompletedSteps,
		CurrentStep:    rec.CurrentStep,
		UpdatedAt:      rec.UpdatedAt,
	}
	if snap.Document == nil {
		snap.Document = model.Document{}
	}
	if snap.CompletedSteps == nil {
		snap.CompletedSteps = model.StepSet{}
	}
	return snap, true
}

// SaveStep schedules a write. It never blocks on I/O. Repeated calls for the
// same key within the debounce window collapse into one write of the last
// value. A write handed to a closed synchronizer is lost and reported through
// Status().LastSaveFailed.
func (s *Synchronizer) SaveStep(w StepWrite) {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	w.Data = w.Data.Clone()
	w.CompletedSteps = w.CompletedSteps.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.status.LastSaveFailed = true
		s.recorder.RecordDraftSave(string(w.Key), "dropped")
		s.logger.Warn("draft save after close dropped",
			zap.String("owner_id", w.OwnerID),
			zap.String("step", string(w.Key)),
		)
		return
	}

	if p, ok := s.pending[w.Key]; ok {
		p.write = w
		p.timer.Reset(s.debounce)
		return
	}

	p := &pendingSave{write: w}
	p.timer = time.AfterFunc(s.debounce, func() { s.fire(w.Key, p) })
	s.pending[w.Key] = p
	s.refreshPendingLocked()
}

func (s *Synchronizer) fire(key model.StepKey, p *pendingSave) {
	s.mu.Lock()
	if s.closed || s.pending[key] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	start := s.dispatchLocked(p.write)
	s.mu.Unlock()

	if start {
		s.drain(s.ctx, p.write)
	}
}

// dispatchLocked hands w to the sender for its key. If a write for the key is
// in flight, w replaces any queued write and false is returned; otherwise the
// caller must run drain. It must be called with mu held.
func (s *Synchronizer) dispatchLocked(w StepWrite) bool {
	defer s.refreshPendingLocked()
	if s.sending[w.Key] {
		s.queued[w.Key] = w
		return false
	}
	s.sending[w.Key] = true
	s.inflight.Add(1)
	return true
}

// drain sends w, then any write queued for the same key while it was in
// flight, until the key has nothing queued.
func (s *Synchronizer) drain(ctx context.Context, w StepWrite) {
	defer s.inflight.Done()
	for {
		s.send(ctx, w)

		s.mu.Lock()
		next, ok := s.queued[w.Key]
		delete(s.queued, w.Key)
		if !ok || s.closed {
			delete(s.sending, w.Key)
			s.refreshPendingLocked()
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		s.refreshPendingLocked()
		s.mu.Unlock()
		w = next
	}
}

// refreshPendingLocked counts keys with a write not yet sent. It must be
// called with mu held.
func (s *Synchronizer) refreshPendingLocked() {
	n := len(s.pending)
	for key := range s.queued {
		if _, ok := s.pending[key]; !ok {
			n++
		}
	}
	s.status.Pending = n
}

func (s *Synchronizer) send(ctx context.Context, w StepWrite) {
	ctx, span := observability.StartSpan(ctx, "draft.save_step",
		observability.AttrOwnerID.String(w.OwnerID),
		observability.AttrStepKey.String(string(w.Key)),
		observability.AttrStepOrder.Int(w.CurrentStep),
	)
	err := s.store.SaveStep(ctx, w)
	observability.EndSpanWithError(span, err)

	s.mu.Lock()
	closed := s.closed
	if !closed {
		if err != nil {
			s.status.LastSaveFailed = true
		} else {
			s.status.LastSaveFailed = false
			s.status.HasSavedAtLeastOnce = true
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.recorder.RecordDraftSave(string(w.Key), "error")
		if !closed {
			s.logger.Warn("draft save failed",
				zap.String("owner_id", w.OwnerID),
				zap.String("step", string(w.Key)),
				zap.Error(err),
			)
		}
		return
	}
	s.recorder.RecordDraftSave(string(w.Key), "ok")
}

// Flush writes every pending step now and waits until no write is queued or
// in flight.
func (s *Synchronizer) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var starts []StepWrite
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
		if s.dispatchLocked(p.write) {
			starts = append(starts, p.write)
		}
	}
	s.mu.Unlock()

	for _, w := range starts {
		go s.drain(ctx, w)
	}

	s.mu.Lock()
	for len(s.sending) > 0 && !s.closed {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// Status returns the current persistence status.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close cancels pending timers and in-flight writes, then waits for the
// in-flight writes to return. Their results are discarded. Close is
// idempotent.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	clear(s.queued)
	s.status.Pending = 0
	s.idle.Broadcast()
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

// Discard closes the synchronizer, dropping pending writes, and deletes the
// owner's draft from the store. Because Close waits for in-flight writes, no
// write can land after the delete.
func (s *Synchronizer) Discard(ctx context.Context, ownerID string) error {
	s.Close()

	ctx, span := observability.StartSpan(ctx, "draft.delete", observability.AttrOwnerID.String(ownerID))
	err := s.store.Delete(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return nil
}

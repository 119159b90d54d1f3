// Package workflow implements the registration state machine: one Controller
// per owner session, the progress projection over its state, and the
// in-process session table that owns controllers.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/internal/submission"
	"github.com/pitabwire/portal/internal/validation"
	"github.com/pitabwire/portal/model"
)

// Operation names used for metrics and logs.
const (
	OpMount   = "mount"
	OpAdvance = "advance"
	OpRetreat = "retreat"
	OpJump    = "jump"
	OpUpdate  = "update"
	OpSubmit  = "submit"
)

const mountTimeout = 10 * time.Second

// Recorder receives workflow metrics.
type Recorder interface {
	RecordWorkflowTransition(op, outcome string)
	RecordValidationFailure(step string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowTransition(string, string) {}
func (nopRecorder) RecordValidationFailure(string)          {}

// Deps are the collaborators of a Controller. Steps, Gate, Drafts and
// Finalizer are required.
type Deps struct {
	Steps     *definition.Registry
	Gate      *validation.Gate
	Sanitizer *validation.Sanitizer
	Drafts    *draft.Synchronizer
	Finalizer *submission.Finalizer

	// Submissions, when set, is consulted on mount so an owner who already
	// submitted resumes in the submitted phase.
	Submissions submission.Service

	Logger   *zap.Logger
	Recorder Recorder
	Now      func() time.Time
}

// Controller is the registration state machine for a single owner. All
// methods are safe for concurrent use. No network call is made while the
// state lock is held.
type Controller struct {
	ownerID     string
	steps       *definition.Registry
	gate        *validation.Gate
	sanitizer   *validation.Sanitizer
	drafts      *draft.Synchronizer
	finalizer   *submission.Finalizer
	submissions submission.Service
	logger      *zap.Logger
	recorder    Recorder
	now         func() time.Time

	mountOnce sync.Once

	mu         sync.Mutex
	state      model.WorkflowState
	submitting bool
}

// NewController creates an empty controller for ownerID. Call Mount before
// serving the owner.
func NewController(ownerID string, deps Deps) *Controller {
	c := &Controller{
		ownerID:     ownerID,
		steps:       deps.Steps,
		gate:        deps.Gate,
		sanitizer:   deps.Sanitizer,
		drafts:      deps.Drafts,
		finalizer:   deps.Finalizer,
		submissions: deps.Submissions,
		logger:      deps.Logger,
		recorder:    deps.Recorder,
		now:         deps.Now,
	}
	if c.sanitizer == nil {
		c.sanitizer = validation.NewSanitizer()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.logger = c.logger.With(zap.String("owner_id", ownerID))
	c.state = c.emptyState()
	return c
}

func (c *Controller) currentStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CurrentStep
}

// OwnerID returns the owner this controller serves.
func (c *Controller) OwnerID() string {
	return c.ownerID
}

func (c *Controller) emptyState() model.WorkflowState {
	return model.WorkflowState{
		OwnerID:        c.ownerID,
		CurrentStep:    1,
		CompletedSteps: model.StepSet{},
		StaleSteps:     model.StepSet{},
		Document:       model.Document{},
		Phase:          model.PhaseEmpty,
	}
}

// Mount hydrates the controller. It runs at most once per controller; later
// calls return immediately. A missing or unreadable draft leaves the
// workflow empty.
func (c *Controller) Mount(ctx context.Context) {
	c.mountOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mountTimeout)
		defer cancel()
		c.mount(ctx)
	})
}

func (c *Controller) mount(ctx context.Context) {
	if c.submissions != nil {
		res, err := c.submissions.Find(ctx, c.ownerID)
		switch {
		case err == nil:
			c.mu.Lock()
			c.state = c.submittedState(res)
			c.mu.Unlock()
			c.drafts.Close()
			c.recorder.RecordWorkflowTransition(OpMount, "submitted")
			return
		case !errors.Is(err, submission.ErrNotFound):
			c.logger.Warn("submission lookup failed on mount", zap.Error(err))
		}
	}

	snap, ok := c.drafts.Load(ctx, c.ownerID)
	if !ok {
		c.recorder.RecordWorkflowTransition(OpMount, "empty")
		return
	}

	total := c.steps.TotalSteps()
	st := c.emptyState()
	st.Document = snap.Document
	for order := range snap.CompletedSteps {
		if order >= 1 && order <= total {
			st.CompletedSteps.Add(order)
		}
	}
	st.CurrentStep = min(max(snap.CurrentStep, 1), total)
	st.HasResumedDraft = true

	c.mu.Lock()
	c.state = st
	c.refreshPhaseLocked()
	c.mu.Unlock()

	c.recorder.RecordWorkflowTransition(OpMount, "resumed")
	c.logger.Info("draft resumed",
		zap.Int("current_step", st.CurrentStep),
		zap.Ints("completed_steps", st.CompletedSteps.Sorted()),
		zap.String("catalog_checksum", c.steps.Checksum()),
	)
}

func (c *Controller) submittedState(res model.SubmissionResult) model.WorkflowState {
	st := c.emptyState()
	for order := 1; order <= c.steps.TotalSteps(); order++ {
		st.CompletedSteps.Add(order)
	}
	st.CurrentStep = c.steps.TotalSteps()
	st.Submission = &res
	st.Phase = model.PhaseSubmitted
	return st
}

// State returns a copy of the current workflow state.
func (c *Controller) State() model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Progress projects the current state.
func (c *Controller) Progress() Progress {
	return Project(c.State(), c.steps.All())
}

// SaveStatus reports draft persistence health.
func (c *Controller) SaveStatus() draft.Status {
	return c.drafts.Status()
}

// guardLocked rejects mutations of a submitted or submitting workflow.
func (c *Controller) guardLocked() error {
	if c.state.Phase == model.PhaseSubmitted {
		return model.NewWorkflowSubmittedError()
	}
	if c.submitting {
		return model.NewInvalidTransitionError("a submission is in progress")
	}
	return nil
}

// Advance validates the current step and, if it passes, marks it completed
// and moves forward. On the last step it completes the workflow when every
// data step is completed and none is stale.
//
// A completed step that was edited since and now fails validation loses its
// completed status.
func (c *Controller) Advance(ctx context.Context) (validation.Result, error) {
	_, span := observability.StartWorkflowSpan(ctx, OpAdvance, c.ownerID, c.currentStep())
	res, err := c.advance()
	observability.EndSpanWithError(span, err)
	c.recorder.RecordWorkflowTransition(OpAdvance, outcome(err))
	return res, err
}

func (c *Controller) advance() (validation.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return validation.Result{}, err
	}

	order := c.state.CurrentStep
	key := c.steps.StepKeyFor(order)
	res := c.gate.Validate(key, c.state.Document[key])

	if !res.IsValid {
		c.recorder.RecordValidationFailure(string(key))
		if c.state.StaleSteps.Has(order) {
			c.state.StaleSteps.Remove(order)
			c.state.CompletedSteps.Remove(order)
			c.refreshPhaseLocked()
			c.saveLocked(key)
			c.logger.Info("stale step revoked", zap.Int("step", order))
		}
		return res, model.NewValidationError(res.FieldErrors())
	}

	if c.steps.IsLast(order) {
		if missing := c.finalizer.MissingSteps(c.state.CompletedSteps, c.state.StaleSteps); len(missing) > 0 {
			return res, model.NewStepsIncompleteError(missing)
		}
		c.state.CompletedSteps.Add(order)
		c.refreshPhaseLocked()
		c.saveLocked(key)
		c.logger.Info("all registration steps complete")
		return res, nil
	}

	c.state.CompletedSteps.Add(order)
	c.state.StaleSteps.Remove(order)
	c.state.CurrentStep = order + 1
	c.refreshPhaseLocked()
	c.saveLocked(key)
	c.logger.Info("step completed", zap.Int("step", order), zap.String("step_key", string(key)))
	return res, nil
}

// Retreat moves one step back. It never changes the completed set and is not
// persisted.
func (c *Controller) Retreat() error {
	err := c.retreat()
	c.recorder.RecordWorkflowTransition(OpRetreat, outcome(err))
	return err
}

func (c *Controller) retreat() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return err
	}
	if c.state.CurrentStep <= 1 {
		return model.NewInvalidTransitionError("already at the first step")
	}
	c.state.CurrentStep--
	return nil
}

// JumpToStep moves from the review step back to a completed data step for
// editing. The completed set is untouched.
func (c *Controller) JumpToStep(order int) error {
	err := c.jump(order)
	c.recorder.RecordWorkflowTransition(OpJump, outcome(err))
	return err
}

func (c *Controller) jump(order int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return err
	}
	if !c.steps.IsLast(c.state.CurrentStep) {
		return model.NewInvalidTransitionError("steps can only be revisited from the review step")
	}
	if order < 1 || order >= c.steps.TotalSteps() {
		return model.NewInvalidTransitionError(fmt.Sprintf("step %d cannot be revisited", order))
	}
	if !c.state.CompletedSteps.Has(order) {
		return model.NewInvalidTransitionError(fmt.Sprintf("step %d has not been completed", order))
	}
	c.state.CurrentStep = order
	return nil
}

// UpdateDocument sanitises partial and merges it into the sub-document for
// key. Other steps are untouched. Editing a completed data step marks it
// stale until it is advanced again. The step is saved after the debounce
// window.
func (c *Controller) UpdateDocument(key model.StepKey, partial model.SubDocument) error {
	err := c.update(key, partial)
	c.recorder.RecordWorkflowTransition(OpUpdate, outcome(err))
	return err
}

func (c *Controller) update(key model.StepKey, partial model.SubDocument) error {
	order, ok := c.steps.OrderOf(key)
	if !ok {
		return model.NewUnknownStepError(string(key))
	}
	clean := c.sanitizer.Sanitize(partial)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return err
	}

	c.state.Document.Merge(key, clean)
	if c.state.CompletedSteps.Has(order) && !c.steps.IsLast(order) {
		c.state.StaleSteps.Add(order)
		c.state.CompletedSteps.Remove(c.steps.TotalSteps())
	}
	c.refreshPhaseLocked()
	c.saveLocked(key)

	if ce := c.logger.Check(zap.DebugLevel, "step document updated"); ce != nil {
		ce.Write(
			zap.String("step_key", string(key)),
			zap.Any("fields", observability.RedactBody(clean, nil)),
		)
	}
	return nil
}

// Submit finalises the registration. Preconditions are checked without any
// I/O. On success the workflow becomes submitted, pending draft writes are
// dropped and the draft is deleted. On a service failure the state is
// unchanged and the call may be retried.
func (c *Controller) Submit(ctx context.Context, consent bool) (model.SubmissionResult, error) {
	ctx, span := observability.StartWorkflowSpan(ctx, OpSubmit, c.ownerID, c.currentStep())
	res, err := c.submit(ctx, consent)
	observability.EndSpanWithError(span, err)
	c.recorder.RecordWorkflowTransition(OpSubmit, outcome(err))
	return res, err
}

func (c *Controller) submit(ctx context.Context, consent bool) (model.SubmissionResult, error) {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return model.SubmissionResult{}, err
	}
	req := submission.Request{
		OwnerID:        c.ownerID,
		Document:       c.state.Document.Clone(),
		CompletedSteps: c.state.CompletedSteps.Clone(),
		StaleSteps:     c.state.StaleSteps.Clone(),
		Consent:        consent,
	}
	c.submitting = true
	c.mu.Unlock()

	res, err := c.finalizer.Submit(ctx, req)

	c.mu.Lock()
	c.submitting = false
	if err != nil {
		c.mu.Unlock()
		return model.SubmissionResult{}, err
	}
	c.state.CompletedSteps.Add(c.steps.TotalSteps())
	c.state.CurrentStep = c.steps.TotalSteps()
	c.state.Submission = &res
	c.state.Phase = model.PhaseSubmitted
	c.mu.Unlock()

	if err := c.drafts.Discard(ctx, c.ownerID); err != nil {
		c.logger.Warn("draft not deleted after submission", zap.Error(err))
	}
	return res, nil
}

// Flush writes pending draft changes now.
func (c *Controller) Flush(ctx context.Context) {
	c.drafts.Flush(ctx)
}

// Close flushes pending draft writes and stops the synchronizer.
func (c *Controller) Close(ctx context.Context) {
	c.drafts.Flush(ctx)
	c.drafts.Close()
}

// Abandon stops the synchronizer without flushing pending writes.
func (c *Controller) Abandon() {
	c.drafts.Close()
}

// saveLocked schedules a draft write of the step's sub-document. Stale steps
// are persisted as not completed so a resumed session re-validates them.
func (c *Controller) saveLocked(key model.StepKey) {
	completed := c.state.CompletedSteps.Clone()
	for order := range c.state.StaleSteps {
		completed.Remove(order)
	}
	c.drafts.SaveStep(draft.StepWrite{
		OwnerID:        c.ownerID,
		Key:            key,
		Data:           c.state.Document[key],
		CompletedSteps: completed,
		CurrentStep:    c.state.CurrentStep,
		UpdatedAt:      c.now().UTC(),
	})
}

// refreshPhaseLocked derives the phase from the completed and stale sets.
func (c *Controller) refreshPhaseLocked() {
	if c.state.Phase == model.PhaseSubmitted {
		return
	}
	total := c.steps.TotalSteps()
	switch {
	case c.state.CompletedSteps.Has(total) && c.state.StaleSteps.Len() == 0 &&
		len(c.finalizer.MissingSteps(c.state.CompletedSteps, c.state.StaleSteps)) == 0:
		c.state.Phase = model.PhaseAllStepsComplete
	case c.state.CompletedSteps.Len() > 0 || len(c.state.Document) > 0 || c.state.CurrentStep > 1:
		c.state.Phase = model.PhaseInProgress
	default:
		c.state.Phase = model.PhaseEmpty
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return "error"
}

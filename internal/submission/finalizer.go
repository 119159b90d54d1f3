package submission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/model"
)

const publishTimeout = 5 * time.Second

// Recorder receives submission metrics.
type Recorder interface {
	RecordSubmission(outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmission(string, time.Duration) {}

// Request carries everything the finalizer checks before submitting.
type Request struct {
	OwnerID        string
	Document       model.Document
	CompletedSteps model.StepSet
	StaleSteps     model.StepSet
	Consent        bool
}

// Finalizer checks submission preconditions and calls the Service.
type Finalizer struct {
	steps     *definition.Registry
	service   Service
	publisher Publisher
	logger    *zap.Logger
	recorder  Recorder
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) FinalizerOption {
	return func(f *Finalizer) {
		if p != nil {
			f.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FinalizerOption {
	return func(f *Finalizer) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) FinalizerOption {
	return func(f *Finalizer) {
		if r != nil {
			f.recorder = r
		}
	}
}

// NewFinalizer creates a finalizer for the given step catalog.
func NewFinalizer(steps *definition.Registry, service Service, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		steps:    steps,
		service:  service,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.publisher == nil {
		f.publisher = NewLogPublisher(f.logger)
	}
	return f
}

// MissingSteps returns the orders of data steps that are not completed or are
// stale. The review step is the submit action itself and is never required.
func (f *Finalizer) MissingSteps(completed, stale model.StepSet) []int {
	var missing []int
	for order := 1; order < f.steps.TotalSteps(); order++ {
		if !completed.Has(order) || stale.Has(order) {
			missing = append(missing, order)
		}
	}
	return missing
}

// Submit validates preconditions without any I/O, then submits. Transport
// failures are returned as SUBMISSION_FAILED and may be retried.
func (f *Finalizer) Submit(ctx context.Context, req Request) (model.SubmissionResult, error) {
	if missing := f.MissingSteps(req.CompletedSteps, req.StaleSteps); len(missing) > 0 {
		f.recorder.RecordSubmission("incomplete", 0)
		return model.SubmissionResult{}, model.NewStepsIncompleteError(missing)
	}
	if !req.Consent {
		f.recorder.RecordSubmission("no_consent", 0)
		return model.SubmissionResult{}, model.NewConsentRequiredError()
	}

	ctx, span := observability.StartSpan(ctx, "submission.submit", observability.AttrOwnerID.String(req.OwnerID))
	start := time.Now()
	res, err := f.service.Submit(ctx, req.OwnerID, req.Document)
	if err == nil {
		span.SetAttributes(observability.AttrReferenceID.String(res.ReferenceID))
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		f.recorder.RecordSubmission("failed", time.Since(start))
		f.logger.Error("registration submit failed",
			zap.String("owner_id", req.OwnerID),
			zap.Error(err),
		)
		return model.SubmissionResult{}, model.NewSubmissionFailedError(err)
	}
	f.recorder.RecordSubmission("submitted", time.Since(start))
	f.logger.Info("registration submitted",
		zap.String("owner_id", req.OwnerID),
		zap.String("reference_id", res.ReferenceID),
	)

	f.publish(ctx, req.OwnerID, res)
	return res, nil
}

func (f *Finalizer) publish(ctx context.Context, ownerID string, res model.SubmissionResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	evt := NewSubmittedEvent(ownerID, res)
	if err := f.publisher.Publish(ctx, evt); err != nil {
		f.logger.Warn("registration event not published",
			zap.String("owner_id", ownerID),
			zap.String("reference_id", res.ReferenceID),
			zap.String("event_id", evt.EventID),
			zap.Error(err),
		)
	}
}

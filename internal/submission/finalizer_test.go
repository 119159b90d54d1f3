package submission_test

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/pitabwire/portal/internal/submission Service,Publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/submission"
	"github.com/pitabwire/portal/internal/submission/mocks"
	"github.com/pitabwire/portal/model"
)

type FinalizerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	service   *mocks.MockService
	publisher *mocks.MockPublisher
	finalizer *submission.Finalizer
}

func TestFinalizerSuite(t *testing.T) {
	suite.Run(t, new(FinalizerSuite))
}

func (s *FinalizerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.finalizer = submission.NewFinalizer(definition.MustDefault(), s.service,
		submission.WithPublisher(s.publisher),
		submission.WithLogger(zaptest.NewLogger(s.T())),
	)
}

func (s *FinalizerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func completeRequest() submission.Request {
	return submission.Request{
		OwnerID:        "t1/u1",
		Document:       model.Document{model.StepPersonal: {"fullName": "Ali"}},
		CompletedSteps: model.NewStepSet(1, 2, 3, 4, 5, 6),
		StaleSteps:     model.NewStepSet(),
		Consent:        true,
	}
}

func (s *FinalizerSuite) TestMissingSteps() {
	s.Empty(s.finalizer.MissingSteps(model.NewStepSet(1, 2, 3, 4, 5, 6), nil))
	s.Equal([]int{3, 6}, s.finalizer.MissingSteps(model.NewStepSet(1, 2, 4, 5), nil))
	s.Equal([]int{2}, s.finalizer.MissingSteps(model.NewStepSet(1, 2, 3, 4, 5, 6), model.NewStepSet(2)))
}

func (s *FinalizerSuite) TestSubmit_incompleteMakesNoCall() {
	req := completeRequest()
	req.CompletedSteps.Remove(4)

	_, err := s.finalizer.Submit(context.Background(), req)
	s.Require().Error(err)
	s.Equal(model.ErrValidationError, model.CodeOf(err))
}

func (s *FinalizerSuite) TestSubmit_staleStepMakesNoCall() {
	req := completeRequest()
	req.StaleSteps.Add(1)

	_, err := s.finalizer.Submit(context.Background(), req)
	s.Equal(model.ErrValidationError, model.CodeOf(err))
}

func (s *FinalizerSuite) TestSubmit_withoutConsentMakesNoCall() {
	req := completeRequest()
	req.Consent = false

	_, err := s.finalizer.Submit(context.Background(), req)
	s.Require().Error(err)
	var env *model.ErrorEnvelope
	s.Require().True(errors.As(err, &env))
	s.Equal(model.ErrValidationError, env.Code)
	s.Equal("consent", env.Details[0].Field)
}

func (s *FinalizerSuite) TestSubmit_success() {
	want := model.SubmissionResult{
		ReferenceID: "REG-ABCDEF012345",
		SubmittedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		Status:      model.SubmissionStatusPendingReview,
	}
	s.service.EXPECT().Submit(gomock.Any(), "t1/u1", gomock.Any()).Return(want, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, evt submission.SubmittedEvent) error {
			s.Equal(submission.EventTypeSubmitted, evt.Type)
			s.Equal("t1/u1", evt.OwnerID)
			s.Equal(want.ReferenceID, evt.ReferenceID)
			s.NotEmpty(evt.EventID)
			return nil
		})

	got, err := s.finalizer.Submit(context.Background(), completeRequest())
	s.Require().NoError(err)
	s.Equal(want, got)
}

func (s *FinalizerSuite) TestSubmit_transportFailureIsRetriable() {
	cause := errors.New("connection reset")
	s.service.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.SubmissionResult{}, cause)

	_, err := s.finalizer.Submit(context.Background(), completeRequest())
	s.Require().Error(err)
	s.Equal(model.ErrSubmissionFailed, model.CodeOf(err))
	s.ErrorIs(err, cause)
}

func (s *FinalizerSuite) TestSubmit_publishFailureIsNotSurfaced() {
	s.service.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(model.SubmissionResult{ReferenceID: "REG-1", Status: model.SubmissionStatusPendingReview}, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	res, err := s.finalizer.Submit(context.Background(), completeRequest())
	s.NoError(err)
	s.Equal("REG-1", res.ReferenceID)
}

func (s *FinalizerSuite) TestSubmit_publishSurvivesCancelledRequest() {
	ctx, cancel := context.WithCancel(context.Background())
	s.service.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, model.Document) (model.SubmissionResult, error) {
			cancel()
			return model.SubmissionResult{ReferenceID: "REG-2"}, nil
		})
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ submission.SubmittedEvent) error {
			return ctx.Err()
		})

	_, err := s.finalizer.Submit(ctx, completeRequest())
	s.NoError(err)
}

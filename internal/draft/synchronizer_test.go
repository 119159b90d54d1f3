package draft_test

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/draft/mocks"
	"github.com/pitabwire/portal/model"
)

const testDebounce = 30 * time.Millisecond

type countingRecorder struct {
	mu    sync.Mutex
	saves map[string]int
	loads map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{saves: map[string]int{}, loads: map[string]int{}}
}

func (r *countingRecorder) RecordDraftSave(step, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves[step+"/"+status]++
}

func (r *countingRecorder) RecordDraftLoad(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads[status]++
}

func (r *countingRecorder) save(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[key]
}

type SynchronizerSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	recorder *countingRecorder
	sync     *draft.Synchronizer
}

func TestSynchronizerSuite(t *testing.T) {
	suite.Run(t, new(SynchronizerSuite))
}

func (s *SynchronizerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.recorder = newCountingRecorder()
	s.sync = draft.NewSynchronizer(s.store,
		draft.WithDebounce(testDebounce),
		draft.WithLogger(zaptest.NewLogger(s.T())),
		draft.WithRecorder(s.recorder),
	)
}

func (s *SynchronizerSuite) TearDownTest() {
	s.sync.Close()
	s.ctrl.Finish()
}

func stepWrite(key model.StepKey, data model.SubDocument) draft.StepWrite {
	return draft.StepWrite{
		OwnerID:        "u1",
		Key:            key,
		Data:           data,
		CompletedSteps: model.NewStepSet(),
		CurrentStep:    1,
	}
}

func (s *SynchronizerSuite) TestLoad() {
	s.Run("not found starts empty", func() {
		s.store.EXPECT().Load(gomock.Any(), "u1").Return(model.DraftRecord{}, draft.ErrNotFound)
		_, ok := s.sync.Load(context.Background(), "u1")
		s.False(ok)
	})

	s.Run("store failure starts empty", func() {
		s.store.EXPECT().Load(gomock.Any(), "u1").Return(model.DraftRecord{}, errors.New("connection refused"))
		_, ok := s.sync.Load(context.Background(), "u1")
		s.False(ok)
	})

	s.Run("hit returns snapshot", func() {
		s.store.EXPECT().Load(gomock.Any(), "u1").Return(model.DraftRecord{
			OwnerID:        "u1",
			Document:       model.Document{model.StepPersonal: {"fullName": "Ali"}},
			CompletedSteps: model.NewStepSet(1),
			CurrentStep:    2,
		}, nil)
		snap, ok := s.sync.Load(context.Background(), "u1")
		s.True(ok)
		s.Equal(2, snap.CurrentStep)
		s.True(snap.CompletedSteps.Has(1))
		s.Equal("Ali", snap.Document[model.StepPersonal]["fullName"])
	})

	s.Run("hit with empty fields is normalised", func() {
		s.store.EXPECT().Load(gomock.Any(), "u1").Return(model.DraftRecord{OwnerID: "u1", CurrentStep: 1}, nil)
		snap, ok := s.sync.Load(context.Background(), "u1")
		s.True(ok)
		s.NotNil(snap.Document)
		s.NotNil(snap.CompletedSteps)
	})
}

func (s *SynchronizerSuite) TestSaveStep_coalescesRapidWrites() {
	done := make(chan draft.StepWrite, 4)
	s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, w draft.StepWrite) error {
			done <- w
			return nil
		}).Times(1)

	s.sync.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "A"}))
	s.sync.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "Al"}))
	s.sync.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "Ali"}))

	select {
	case w := <-done:
		s.Equal("Ali", w.Data["fullName"])
	case <-time.After(time.Second):
		s.FailNow("save not sent")
	}

	// No second write arrives after the window.
	select {
	case <-done:
		s.Fail("unexpected second write")
	case <-time.After(3 * testDebounce):
	}
	s.Eventually(func() bool { return s.sync.Status().HasSavedAtLeastOnce }, time.Second, 5*time.Millisecond)
}

func (s *SynchronizerSuite) TestSaveStep_keysAreIndependent() {
	var mu sync.Mutex
	seen := map[model.StepKey]int{}
	s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, w draft.StepWrite) error {
			mu.Lock()
			seen[w.Key]++
			mu.Unlock()
			return nil
		}).Times(2)

	s.sync.SaveStep(stepWrite(model.StepAddress, model.SubDocument{"city": "Riyadh"}))
	s.sync.SaveStep(stepWrite(model.StepContact, model.SubDocument{"phone": "0501234567"}))

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[model.StepAddress] == 1 && seen[model.StepContact] == 1
	}, time.Second, 5*time.Millisecond)
}

func (s *SynchronizerSuite) TestSaveStep_inputIsCopied() {
	done := make(chan draft.StepWrite, 1)
	s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, w draft.StepWrite) error {
			done <- w
			return nil
		})

	data := model.SubDocument{"city": "Riyadh"}
	s.sync.SaveStep(stepWrite(model.StepAddress, data))
	data["city"] = "mutated"

	select {
	case w := <-done:
		s.Equal("Riyadh", w.Data["city"])
		s.False(w.UpdatedAt.IsZero())
	case <-time.After(time.Second):
		s.FailNow("save not sent")
	}
}

func (s *SynchronizerSuite) TestStatus_failureThenRecovery() {
	gomock.InOrder(
		s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).Return(errors.New("timeout")),
		s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).Return(nil),
	)

	s.sync.SaveStep(stepWrite(model.StepBranch, model.SubDocument{"branchId": "b1"}))
	s.Eventually(func() bool { return s.sync.Status().LastSaveFailed }, time.Second, 5*time.Millisecond)
	s.False(s.sync.Status().HasSavedAtLeastOnce)
	s.Equal(1, s.recorder.save("branch/error"))

	s.sync.SaveStep(stepWrite(model.StepBranch, model.SubDocument{"branchId": "b2"}))
	s.Eventually(func() bool {
		st := s.sync.Status()
		return st.HasSavedAtLeastOnce && !st.LastSaveFailed
	}, time.Second, 5*time.Millisecond)
	s.Equal(1, s.recorder.save("branch/ok"))
}

func (s *SynchronizerSuite) TestFlush_sendsPendingImmediately() {
	slow := draft.NewSynchronizer(s.store, draft.WithDebounce(time.Hour))
	defer slow.Close()

	s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	slow.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "Ali"}))
	slow.SaveStep(stepWrite(model.StepAddress, model.SubDocument{"city": "Riyadh"}))
	s.Equal(2, slow.Status().Pending)

	slow.Flush(context.Background())

	st := slow.Status()
	s.Equal(0, st.Pending)
	s.True(st.HasSavedAtLeastOnce)
}

func (s *SynchronizerSuite) TestClose_cancelsPending() {
	// No SaveStep expectation: any call fails the test.
	s.sync.SaveStep(stepWrite(model.StepDocuments, model.SubDocument{"idDocument": map[string]any{}}))
	s.sync.Close()

	time.Sleep(3 * testDebounce)

	s.False(s.sync.Status().LastSaveFailed)

	s.sync.SaveStep(stepWrite(model.StepDocuments, model.SubDocument{}))
	s.sync.Flush(context.Background())
	time.Sleep(3 * testDebounce)

	st := s.sync.Status()
	s.Equal(0, st.Pending)
	s.True(st.LastSaveFailed)
	s.Equal(1, s.recorder.save("documents/dropped"))
}

func (s *SynchronizerSuite) TestSaveStep_oneWritePerKeyInFlight() {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var (
		mu          sync.Mutex
		active      int
		maxActive   int
		calls       int
		lastWritten string
	)
	s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, w draft.StepWrite) error {
			mu.Lock()
			active++
			calls++
			maxActive = max(maxActive, active)
			mu.Unlock()

			started <- struct{}{}
			<-release

			mu.Lock()
			active--
			lastWritten, _ = w.Data["fullName"].(string)
			mu.Unlock()
			return nil
		}).Times(2)

	s.sync.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "first"}))
	select {
	case <-started:
	case <-time.After(time.Second):
		s.FailNow("first save not sent")
	}

	// The second write becomes due while the first is still blocked.
	s.sync.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "second"}))
	time.Sleep(3 * testDebounce)

	mu.Lock()
	s.Equal(1, calls)
	mu.Unlock()
	s.Equal(1, s.sync.Status().Pending)

	close(release)
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2 && active == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	s.Equal(1, maxActive)
	s.Equal("second", lastWritten)
	mu.Unlock()
	s.Eventually(func() bool { return s.sync.Status().Pending == 0 }, time.Second, 5*time.Millisecond)
}

func (s *SynchronizerSuite) TestFlush_waitsForQueuedWrite() {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []string
	)
	s.store.EXPECT().SaveStep(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, w draft.StepWrite) error {
			started <- struct{}{}
			<-release
			mu.Lock()
			seen = append(seen, w.Data["city"].(string))
			mu.Unlock()
			return nil
		}).Times(2)

	s.sync.SaveStep(stepWrite(model.StepAddress, model.SubDocument{"city": "Jeddah"}))
	select {
	case <-started:
	case <-time.After(time.Second):
		s.FailNow("first save not sent")
	}
	s.sync.SaveStep(stepWrite(model.StepAddress, model.SubDocument{"city": "Riyadh"}))

	flushed := make(chan struct{})
	go func() {
		s.sync.Flush(context.Background())
		close(flushed)
	}()

	select {
	case <-flushed:
		s.FailNow("flush returned while a write was in flight")
	case <-time.After(3 * testDebounce):
	}

	close(release)
	select {
	case <-flushed:
	case <-time.After(time.Second):
		s.FailNow("flush did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"Jeddah", "Riyadh"}, seen)
	s.Equal(0, s.sync.Status().Pending)
}

func (s *SynchronizerSuite) TestDiscard() {
	s.Run("drops pending writes and deletes", func() {
		s.store.EXPECT().Delete(gomock.Any(), "u1").Return(nil)
		s.sync.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": "Ali"}))
		s.Require().NoError(s.sync.Discard(context.Background(), "u1"))

		time.Sleep(3 * testDebounce)
		s.Equal(0, s.recorder.save("personal/ok"))
	})

	s.Run("missing draft is not an error", func() {
		syn := draft.NewSynchronizer(s.store)
		s.store.EXPECT().Delete(gomock.Any(), "u1").Return(draft.ErrNotFound)
		s.NoError(syn.Discard(context.Background(), "u1"))
	})

	s.Run("store failure is wrapped", func() {
		syn := draft.NewSynchronizer(s.store)
		boom := errors.New("connection reset")
		s.store.EXPECT().Delete(gomock.Any(), "u1").Return(boom)
		err := syn.Discard(context.Background(), "u1")
		s.ErrorIs(err, boom)
		s.ErrorContains(err, "discard draft")
	})
}

func TestSynchronizer_withMemoryStore(t *testing.T) {
	store := draft.NewMemoryStore()
	syn := draft.NewSynchronizer(store, draft.WithDebounce(time.Hour))
	defer syn.Close()

	for _, name := range []string{"A", "Al", "Ali"} {
		syn.SaveStep(stepWrite(model.StepPersonal, model.SubDocument{"fullName": name}))
	}
	syn.Flush(context.Background())

	snap, ok := syn.Load(context.Background(), "u1")
	if !ok {
		t.Fatal("Load() ok = false after flush")
	}
	if got := snap.Document[model.StepPersonal]["fullName"]; got != "Ali" {
		t.Errorf("fullName = %v, want Ali", got)
	}
}

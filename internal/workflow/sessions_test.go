package workflow_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/submission"
	"github.com/pitabwire/portal/internal/validation"
	"github.com/pitabwire/portal/internal/workflow"
	"github.com/pitabwire/portal/model"
)

// slowStore delays loads so concurrent first requests overlap.
type slowStore struct {
	*draft.MemoryStore
	loads atomic.Int32
	delay time.Duration
}

func (s *slowStore) Load(ctx context.Context, ownerID string) (model.DraftRecord, error) {
	s.loads.Add(1)
	time.Sleep(s.delay)
	return s.MemoryStore.Load(ctx, ownerID)
}

type gaugeRecorder struct {
	open atomic.Int32
}

func (g *gaugeRecorder) SessionOpened() { g.open.Add(1) }
func (g *gaugeRecorder) SessionClosed() { g.open.Add(-1) }

func newFactory(t *testing.T, store draft.Store) workflow.Factory {
	t.Helper()
	e := newEnv(t, store, submission.NewMemoryService())
	return func(ownerID string) *workflow.Controller {
		return workflow.NewController(ownerID, workflow.Deps{
			Steps:     e.steps,
			Gate:      validation.NewGate(validation.WithClock(fixedNow)),
			Drafts:    draft.NewSynchronizer(store, draft.WithDebounce(time.Hour)),
			Finalizer: e.finalizer,
			Logger:    zaptest.NewLogger(t),
			Now:       e.clock.Now,
		})
	}
}

func TestSessions_ConcurrentGetMountsOnce(t *testing.T) {
	store := &slowStore{MemoryStore: draft.NewMemoryStore(), delay: 50 * time.Millisecond}
	gauge := &gaugeRecorder{}
	sessions := workflow.NewSessions(newFactory(t, store), workflow.WithSessionRecorder(gauge))
	t.Cleanup(func() { sessions.Close(context.Background()) })

	const callers = 8
	got := make([]*workflow.Controller, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = sessions.Get(context.Background(), owner)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, store.loads.Load())
	assert.Equal(t, 1, sessions.Len())
	assert.EqualValues(t, 1, gauge.open.Load())
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
}

func TestSessions_CancelledRequestDoesNotPoisonMount(t *testing.T) {
	store := draft.NewMemoryStore()
	require.NoError(t, store.SaveStep(context.Background(), draft.StepWrite{
		OwnerID:        owner,
		Key:            model.StepPersonal,
		Data:           validSteps[0].sub,
		CompletedSteps: model.NewStepSet(1),
		CurrentStep:    2,
		UpdatedAt:      fixedNow(),
	}))
	sessions := workflow.NewSessions(newFactory(t, store))
	t.Cleanup(func() { sessions.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := sessions.Get(ctx, owner)

	assert.True(t, c.State().HasResumedDraft)
	assert.Equal(t, 2, c.State().CurrentStep)
}

func TestSessions_SweepFlushesIdleSessions(t *testing.T) {
	store := draft.NewMemoryStore()
	gauge := &gaugeRecorder{}
	sessions := workflow.NewSessions(newFactory(t, store),
		workflow.WithIdleTTL(20*time.Millisecond),
		workflow.WithSessionRecorder(gauge),
	)

	c := sessions.Get(context.Background(), owner)
	require.NoError(t, c.UpdateDocument(model.StepPersonal, model.SubDocument{"fullName": "Ali"}))
	sessions.Get(context.Background(), "tenant-1/user-2")

	assert.Zero(t, sessions.Sweep(context.Background()), "fresh sessions are kept")

	time.Sleep(40 * time.Millisecond)
	sessions.Get(context.Background(), "tenant-1/user-2")

	assert.Equal(t, 1, sessions.Sweep(context.Background()))
	assert.Equal(t, 1, sessions.Len())
	assert.EqualValues(t, 1, gauge.open.Load())

	_, ok := sessions.Peek(owner)
	assert.False(t, ok)

	rec, err := store.Load(context.Background(), owner)
	require.NoError(t, err, "eviction flushes pending writes")
	assert.Equal(t, "Ali", rec.Document[model.StepPersonal]["fullName"])

	sessions.Close(context.Background())
	assert.Zero(t, sessions.Len())
	assert.Zero(t, gauge.open.Load())
}

func TestSessions_DropDiscardsPendingWrites(t *testing.T) {
	store := draft.NewMemoryStore()
	sessions := workflow.NewSessions(newFactory(t, store))

	c := sessions.Get(context.Background(), owner)
	require.NoError(t, c.UpdateDocument(model.StepPersonal, model.SubDocument{"fullName": "Ali"}))
	sessions.Drop(owner)
	sessions.Drop(owner)

	assert.Zero(t, sessions.Len())
	_, err := store.Load(context.Background(), owner)
	assert.ErrorIs(t, err, draft.ErrNotFound)

	fresh := sessions.Get(context.Background(), owner)
	assert.NotSame(t, c, fresh)
	assert.Equal(t, model.PhaseEmpty, fresh.State().Phase)
	sessions.Close(context.Background())
}

func TestSessions_RunStopsOnCancel(t *testing.T) {
	sessions := workflow.NewSessions(newFactory(t, draft.NewMemoryStore()), workflow.WithIdleTTL(time.Millisecond))
	sessions.Get(context.Background(), owner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sessions.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return sessions.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

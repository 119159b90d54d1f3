package draft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/portal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func write(owner string, key model.StepKey, data model.SubDocument, at time.Time, current int, completed ...int) StepWrite {
	return StepWrite{
		OwnerID:        owner,
		Key:            key,
		Data:           data,
		CompletedSteps: model.NewStepSet(completed...),
		CurrentStep:    current,
		UpdatedAt:      at,
	}
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "nobody")
		assert.True(t, errors.Is(err, ErrNotFound), "err = %v", err)
	})

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepPersonal, model.SubDocument{"fullName": "Ali"}, t0, 2, 1)))

		rec, err := s.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", rec.OwnerID)
		assert.Equal(t, "Ali", rec.Document[model.StepPersonal]["fullName"])
		assert.True(t, rec.CompletedSteps.Has(1))
		assert.Equal(t, 2, rec.CurrentStep)
		assert.True(t, rec.UpdatedAt.Equal(t0), "UpdatedAt = %v", rec.UpdatedAt)
	})

	t.Run("steps are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepPersonal, model.SubDocument{"fullName": "Ali"}, t0, 2, 1)))
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepProfession, model.SubDocument{"employmentStatus": "student"}, t0.Add(time.Second), 3, 1, 2)))

		rec, err := s.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ali", rec.Document[model.StepPersonal]["fullName"])
		assert.Equal(t, "student", rec.Document[model.StepProfession]["employmentStatus"])
		assert.Equal(t, []int{1, 2}, rec.CompletedSteps.Sorted())
		assert.Equal(t, 3, rec.CurrentStep)
	})

	t.Run("older write is ignored", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepAddress, model.SubDocument{"city": "Jeddah"}, t0.Add(time.Minute), 3, 1, 2)))
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepAddress, model.SubDocument{"city": "Riyadh"}, t0, 1)))

		rec, err := s.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Jeddah", rec.Document[model.StepAddress]["city"])
		assert.Equal(t, 3, rec.CurrentStep)
		assert.Equal(t, []int{1, 2}, rec.CompletedSteps.Sorted())
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		s := newStore(t)
		w := write("u1", model.StepContact, model.SubDocument{"phone": "0501234567"}, t0, 4, 1, 2, 3)
		require.NoError(t, s.SaveStep(ctx, w))
		require.NoError(t, s.SaveStep(ctx, w))

		rec, err := s.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, rec.Document, 1)
		assert.Equal(t, "0501234567", rec.Document[model.StepContact]["phone"])
	})

	t.Run("owners are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepPersonal, model.SubDocument{"fullName": "Ali"}, t0, 1)))
		require.NoError(t, s.SaveStep(ctx, write("u2", model.StepPersonal, model.SubDocument{"fullName": "Sara"}, t0, 1)))

		rec, err := s.Load(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, "Sara", rec.Document[model.StepPersonal]["fullName"])
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("u1", model.StepPersonal, model.SubDocument{"fullName": "Ali"}, t0, 1)))
		require.NoError(t, s.Delete(ctx, "u1"))

		_, err := s.Load(ctx, "u1")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, s.Delete(ctx, "u1"), "deleting a missing draft")
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("old", model.StepPersonal, model.SubDocument{"fullName": "A"}, t0, 1)))
		require.NoError(t, s.SaveStep(ctx, write("mid", model.StepPersonal, model.SubDocument{"fullName": "B"}, t0.Add(time.Hour), 1)))
		require.NoError(t, s.SaveStep(ctx, write("new", model.StepPersonal, model.SubDocument{"fullName": "C"}, t0.Add(2*time.Hour), 1)))

		all, err := s.List(ctx, model.DraftFilters{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"new", "mid", "old"}, owners(all))

		page, err := s.List(ctx, model.DraftFilters{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"mid"}, owners(page))

		stale, err := s.List(ctx, model.DraftFilters{UpdatedBefore: t0.Add(90 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"mid", "old"}, owners(stale))
	})

	t.Run("list by tenant", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, write("t1/u1", model.StepPersonal, model.SubDocument{"fullName": "A"}, t0, 1)))
		require.NoError(t, s.SaveStep(ctx, write("t2/u1", model.StepPersonal, model.SubDocument{"fullName": "B"}, t0.Add(time.Hour), 1)))
		require.NoError(t, s.SaveStep(ctx, write("t10/u3", model.StepPersonal, model.SubDocument{"fullName": "C"}, t0.Add(2*time.Hour), 1)))

		got, err := s.List(ctx, model.DraftFilters{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1/u1"}, owners(got))
	})
}

func owners(records []model.DraftRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.OwnerID
	}
	return out
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveStep(ctx, write("u1", model.StepPersonal, model.SubDocument{"fullName": "Ali"}, t0, 1)))

	rec, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	rec.Document[model.StepPersonal]["fullName"] = "changed"

	again, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ali", again.Document[model.StepPersonal]["fullName"])
	assert.Equal(t, 1, s.Len())
}

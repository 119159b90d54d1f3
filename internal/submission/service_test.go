package submission

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/portal/model"
)

var referencePattern = regexp.MustCompile(`^REG-[0-9A-F]{12}$`)

func TestNewReferenceID(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		id := NewReferenceID()
		assert.Regexp(t, referencePattern, id)
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestMemoryService_idempotentPerOwner(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	doc := model.Document{model.StepPersonal: {"fullName": "Ali"}}

	first, err := svc.Submit(ctx, "u1", doc)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusPendingReview, first.Status)

	doc[model.StepPersonal]["fullName"] = "changed"
	second, err := svc.Submit(ctx, "u1", doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, ok := svc.Document("u1")
	require.True(t, ok)
	assert.Equal(t, "Ali", stored[model.StepPersonal]["fullName"])
	assert.Equal(t, 2, svc.Calls())
}

func TestMemoryService_Find(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()

	_, err := svc.Find(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := svc.Submit(ctx, "u1", model.Document{})
	require.NoError(t, err)

	found, err := svc.Find(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, res, found)
}

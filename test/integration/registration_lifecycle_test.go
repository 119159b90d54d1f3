package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/portal/model"
)

func TestRegistration_FullLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(BeneficiaryClaims("user-1"))

	v := h.Registration(t, token)
	if v.State.Phase != model.PhaseEmpty || v.State.CurrentStep != 1 {
		t.Fatalf("fresh state = %s/%d, want empty/1", v.State.Phase, v.State.CurrentStep)
	}

	h.CompleteSteps(t, token, 6)

	v = h.Registration(t, token)
	if v.State.CurrentStep != 7 {
		t.Errorf("current_step = %d, want 7", v.State.CurrentStep)
	}
	if v.Progress.Percentage != 86 {
		t.Errorf("percentage = %d, want 86", v.Progress.Percentage)
	}
	if v.Progress.StatusLabel != "Ready for review" {
		t.Errorf("status_label = %q, want Ready for review", v.Progress.StatusLabel)
	}

	var res model.SubmissionResult
	h.AssertJSON(t, h.POST("/portal/registration/submit", map[string]any{"consent": true}, token), http.StatusCreated, &res)
	if !strings.HasPrefix(res.ReferenceID, "REG-") {
		t.Errorf("reference_id = %q, want REG- prefix", res.ReferenceID)
	}

	v = h.Registration(t, token)
	if v.State.Phase != model.PhaseSubmitted || v.Progress.Percentage != 100 {
		t.Errorf("after submit = %s/%d%%, want submitted/100%%", v.State.Phase, v.Progress.Percentage)
	}

	events := h.Events.All()
	if len(events) != 1 || events[0].ReferenceID != res.ReferenceID {
		t.Errorf("events = %s, want one event for %s", FormatJSON(events), res.ReferenceID)
	}
	if _, err := h.Store.Load(context.Background(), "tenant-riyadh/user-1"); err == nil {
		t.Error("draft should be deleted after submission")
	}

	var eb ErrorBody
	h.AssertJSON(t, h.PATCH("/portal/registration/steps/personal", map[string]any{"fullName": "Changed"}, token), http.StatusConflict, &eb)
	if eb.Error.Code != model.ErrWorkflowSubmitted {
		t.Errorf("code = %q, want %s", eb.Error.Code, model.ErrWorkflowSubmitted)
	}
}

func TestRegistration_ResumeAfterRestart(t *testing.T) {
	h := NewTestHarness(t, WithDebounce(time.Hour))
	token := h.GenerateToken(BeneficiaryClaims("user-1"))

	h.CompleteSteps(t, token, 3)
	h.AssertStatus(t, h.PATCH("/portal/registration/steps/contact", map[string]any{"phone": "+966501234567"}, token), http.StatusOK)

	// Shutdown flushes pending writes even though the debounce window is long.
	h.Restart()

	v := h.Registration(t, token)
	if !v.State.HasResumedDraft {
		t.Error("has_resumed_draft = false, want true")
	}
	if v.State.CurrentStep != 4 {
		t.Errorf("current_step = %d, want 4", v.State.CurrentStep)
	}
	if v.Progress.Percentage != 43 {
		t.Errorf("percentage = %d, want 43", v.Progress.Percentage)
	}
	if got := v.State.Document["contact"]["phone"]; got != "+966501234567" {
		t.Errorf("contact.phone = %v, want the unsaved edit to survive", got)
	}
}

func TestRegistration_DebouncedSaveReachesStore(t *testing.T) {
	h := NewTestHarness(t, WithDebounce(10*time.Millisecond))
	token := h.GenerateToken(BeneficiaryClaims("user-1"))

	h.AssertStatus(t, h.PATCH("/portal/registration/steps/personal", map[string]any{"fullName": "Ali"}, token), http.StatusOK)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := h.Store.Load(context.Background(), "tenant-riyadh/user-1")
		if err == nil && rec.Document[model.StepPersonal]["fullName"] == "Ali" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced save never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	v := h.Registration(t, token)
	if !v.SaveStatus.HasSavedAtLeastOnce {
		t.Error("has_saved_at_least_once = false, want true")
	}
}

func TestRegistration_EditingCompletedStepBlocksSubmit(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(BeneficiaryClaims("user-1"))
	h.CompleteSteps(t, token, 6)

	h.AssertStatus(t, h.POST("/portal/registration/jump", map[string]any{"order": 3}, token), http.StatusOK)
	h.AssertStatus(t, h.PATCH("/portal/registration/steps/address", map[string]any{"district": "Malaz"}, token), http.StatusOK)

	v := h.Registration(t, token)
	if len(v.State.StaleSteps) != 1 || v.State.StaleSteps[0] != 3 {
		t.Errorf("stale_steps = %v, want [3]", v.State.StaleSteps)
	}

	var eb ErrorBody
	h.AssertJSON(t, h.POST("/portal/registration/submit", map[string]any{"consent": true}, token), http.StatusUnprocessableEntity, &eb)
	if len(eb.Error.Details) != 1 || eb.Error.Details[0].Field != "step_3" {
		t.Errorf("details = %s, want step_3", FormatJSON(eb.Error.Details))
	}

	// Re-advancing the edited step clears the stale mark and returns to review.
	h.AssertStatus(t, h.POST("/portal/registration/advance", nil, token), http.StatusOK)
	for range 3 {
		h.AssertStatus(t, h.POST("/portal/registration/advance", nil, token), http.StatusOK)
	}
	v = h.Registration(t, token)
	if len(v.State.StaleSteps) != 0 || v.State.CurrentStep != 7 {
		t.Fatalf("state = step %d stale %v, want step 7 with nothing stale", v.State.CurrentStep, v.State.StaleSteps)
	}
	h.AssertStatus(t, h.POST("/portal/registration/submit", map[string]any{"consent": true}, token), http.StatusCreated)
}

func TestRegistration_ValidationErrorsAreReported(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(BeneficiaryClaims("user-1"))

	h.AssertStatus(t, h.PATCH("/portal/registration/steps/personal", map[string]any{
		"fullName":    "Ali",
		"nationalId":  "12",
		"dateOfBirth": "2999-01-01",
	}, token), http.StatusOK)

	var eb ErrorBody
	h.AssertJSON(t, h.POST("/portal/registration/advance", nil, token), http.StatusUnprocessableEntity, &eb)
	if eb.Error.Code != model.ErrValidationError {
		t.Fatalf("code = %q, want %s", eb.Error.Code, model.ErrValidationError)
	}
	fields := map[string]bool{}
	for _, d := range eb.Error.Details {
		fields[d.Field] = true
	}
	for _, want := range []string{"nationalId", "dateOfBirth", "gender"} {
		if !fields[want] {
			t.Errorf("details missing %s: %s", want, FormatJSON(eb.Error.Details))
		}
	}

	v := h.Registration(t, token)
	if v.State.CurrentStep != 1 {
		t.Errorf("current_step = %d, want 1 after a failed advance", v.State.CurrentStep)
	}
}

package workflow

import (
	"math"

	"github.com/pitabwire/portal/model"
)

// Progress status labels.
const (
	LabelNotStarted     = "Not started"
	LabelInProgress     = "In progress"
	LabelReadyForReview = "Ready for review"
	LabelComplete       = "Complete"
	LabelSubmitted      = "Submitted, pending review"
	LabelNeedsRecheck   = "Needs re-check"
)

// StepProgress is the per-step row of a progress view.
type StepProgress struct {
	Order   int           `json:"order"`
	Key     model.StepKey `json:"key"`
	Title   string        `json:"title"`
	Status  string        `json:"status"`
	Current bool          `json:"current"`
}

// Progress is a read-only projection of a WorkflowState.
type Progress struct {
	Percentage  int            `json:"percentage"`
	StatusLabel string         `json:"status_label"`
	Completed   int            `json:"completed"`
	Total       int            `json:"total"`
	Steps       []StepProgress `json:"steps"`
}

// Project derives progress from state. It is pure and cheap enough to run on
// every state change.
func Project(state model.WorkflowState, steps []model.StepDefinition) Progress {
	total := len(steps)
	p := Progress{
		Completed: state.CompletedSteps.Len(),
		Total:     total,
		Steps:     make([]StepProgress, 0, total),
	}
	if total > 0 {
		p.Percentage = int(math.Round(100 * float64(p.Completed) / float64(total)))
	}
	p.StatusLabel = statusLabel(state, total)

	for _, def := range steps {
		p.Steps = append(p.Steps, StepProgress{
			Order:   def.Order,
			Key:     def.Key,
			Title:   def.Title,
			Status:  state.StepStatus(def.Order),
			Current: def.Order == state.CurrentStep,
		})
	}
	return p
}

func statusLabel(state model.WorkflowState, total int) string {
	switch {
	case state.Phase == model.PhaseSubmitted:
		return LabelSubmitted
	case state.StaleSteps.Len() > 0:
		return LabelNeedsRecheck
	case state.Phase == model.PhaseAllStepsComplete:
		return LabelComplete
	}

	data := 0
	for order := 1; order < total; order++ {
		if state.CompletedSteps.Has(order) {
			data++
		}
	}
	switch {
	case data == 0:
		return LabelNotStarted
	case data == total-1:
		return LabelReadyForReview
	default:
		return LabelInProgress
	}
}

package definition

import (
	"fmt"

	"github.com/pitabwire/portal/model"
)

// VError describes a single problem in a step catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks that step orders form the contiguous range 1..N and that
// keys are present and unique.
func Validate(steps []model.StepDefinition) []VError {
	var errs []VError

	if len(steps) == 0 {
		return []VError{{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"}}
	}

	keys := make(map[model.StepKey]int, len(steps))
	orders := make(map[int]int, len(steps))

	for i, s := range steps {
		p := fmt.Sprintf("steps[%d]", i)

		if s.Key == "" {
			errs = append(errs, VError{Path: p + ".key", Code: "REQUIRED", Message: "key is required"})
		} else if prev, dup := keys[s.Key]; dup {
			errs = append(errs, VError{
				Path:    p + ".key",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("key %q already used by steps[%d]", s.Key, prev),
			})
		} else {
			keys[s.Key] = i
		}

		if s.Title == "" {
			errs = append(errs, VError{Path: p + ".title", Code: "REQUIRED", Message: "title is required"})
		}

		if s.Order < 1 || s.Order > len(steps) {
			errs = append(errs, VError{
				Path:    p + ".order",
				Code:    "OUT_OF_RANGE",
				Message: fmt.Sprintf("order %d outside 1..%d", s.Order, len(steps)),
			})
			continue
		}
		if prev, dup := orders[s.Order]; dup {
			errs = append(errs, VError{
				Path:    p + ".order",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("order %d already used by steps[%d]", s.Order, prev),
			})
			continue
		}
		orders[s.Order] = i
	}

	return errs
}

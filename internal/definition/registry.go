package definition

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/portal/model"
)

// Registry is a read-only lookup over the step catalog. It is safe for
// concurrent use.
type Registry struct {
	steps    []model.StepDefinition // sorted by order
	byKey    map[model.StepKey]int
	checksum string
}

// NewRegistry validates the catalog and builds a Registry from it.
func NewRegistry(c Catalog) (*Registry, error) {
	if verrs := Validate(c.Steps); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, v := range verrs {
			errs[i] = v
		}
		return nil, fmt.Errorf("invalid step catalog: %w", errors.Join(errs...))
	}

	steps := slices.Clone(c.Steps)
	slices.SortFunc(steps, func(a, b model.StepDefinition) int { return a.Order - b.Order })

	byKey := make(map[model.StepKey]int, len(steps))
	for _, s := range steps {
		byKey[s.Key] = s.Order
	}

	return &Registry{steps: steps, byKey: byKey, checksum: c.Checksum}, nil
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// MustDefault returns the registry built from the embedded catalog. A broken
// embedded catalog is a build defect, so it panics.
func MustDefault() *Registry {
	defaultOnce.Do(func() {
		c, err := Embedded()
		if err != nil {
			panic(err)
		}
		r, err := NewRegistry(c)
		if err != nil {
			panic(err)
		}
		defaultReg = r
	})
	return defaultReg
}

// TotalSteps returns the number of steps in the catalog.
func (r *Registry) TotalSteps() int {
	return len(r.steps)
}

// StepAt returns the definition with the given order.
func (r *Registry) StepAt(order int) (model.StepDefinition, bool) {
	if order < 1 || order > len(r.steps) {
		return model.StepDefinition{}, false
	}
	return r.steps[order-1], true
}

// StepKeyFor returns the key of the step at order, or "" when out of range.
func (r *Registry) StepKeyFor(order int) model.StepKey {
	s, ok := r.StepAt(order)
	if !ok {
		return ""
	}
	return s.Key
}

// OrderOf returns the order of the step with key.
func (r *Registry) OrderOf(key model.StepKey) (int, bool) {
	o, ok := r.byKey[key]
	return o, ok
}

// IsLast reports whether order is the review step.
func (r *Registry) IsLast(order int) bool {
	return order == len(r.steps)
}

// All returns a copy of every definition in order.
func (r *Registry) All() []model.StepDefinition {
	return slices.Clone(r.steps)
}

// Checksum returns the SHA-256 of the catalog source.
func (r *Registry) Checksum() string {
	return r.checksum
}

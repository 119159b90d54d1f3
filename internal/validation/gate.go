// Package validation decides whether a step's sub-document is complete and
// well-formed. Validation is pure and synchronous and is safe to call on
// every keystroke.
package validation

import (
	"time"

	"github.com/pitabwire/portal/model"
)

// UnknownStepField is the error key used when a step has no validator.
const UnknownStepField = "_step"

// Result is the outcome of validating one sub-document.
type Result struct {
	IsValid bool              `json:"is_valid"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// FieldErrors converts the result into API field errors.
func (r Result) FieldErrors() []model.FieldError {
	return model.FieldErrorsFromMap(r.Errors)
}

// Gate holds one validator per step key.
type Gate struct {
	validators map[model.StepKey]StepValidator
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the clock used for date-relative rules.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithValidator registers or replaces the validator for key.
func WithValidator(key model.StepKey, v StepValidator) Option {
	return func(g *Gate) { g.validators[key] = v }
}

// NewGate builds a gate with the registration step rules.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		validators: make(map[model.StepKey]StepValidator),
		now:        time.Now,
	}
	clock := func() time.Time { return g.now() }

	g.validators[model.StepPersonal] = personalStep(clock)
	g.validators[model.StepProfession] = professionStep()
	g.validators[model.StepAddress] = addressStep()
	g.validators[model.StepContact] = contactStep()
	g.validators[model.StepBranch] = branchStep()
	g.validators[model.StepDocuments] = documentsStep()
	g.validators[model.StepReview] = reviewStep()

	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate checks sub against the rules for key. A nil sub-document is
// treated as empty.
func (g *Gate) Validate(key model.StepKey, sub model.SubDocument) Result {
	v, ok := g.validators[key]
	if !ok {
		return Result{Errors: map[string]string{UnknownStepField: "unknown step"}}
	}
	if sub == nil {
		sub = model.SubDocument{}
	}
	errs := v.Validate(sub)
	if len(errs) == 0 {
		return Result{IsValid: true}
	}
	return Result{Errors: errs}
}

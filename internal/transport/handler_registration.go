package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/validation"
	"github.com/pitabwire/portal/internal/workflow"
	"github.com/pitabwire/portal/model"
)

const maxBodyBytes = 1 << 20

// registrationView is the response body of every self-service endpoint.
type registrationView struct {
	State      model.WorkflowState `json:"state"`
	Progress   workflow.Progress   `json:"progress"`
	SaveStatus draft.Status        `json:"save_status"`
}

func viewOf(c *workflow.Controller) registrationView {
	return registrationView{
		State:      c.State(),
		Progress:   c.Progress(),
		SaveStatus: c.SaveStatus(),
	}
}

// controllerFor mounts (or reuses) the caller's workflow session.
func controllerFor(sessions *workflow.Sessions, w http.ResponseWriter, r *http.Request) (*workflow.Controller, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return sessions.Get(r.Context(), rctx.OwnerID()), true
}

// decodeBody decodes a JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func handleListSteps(steps *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     steps.All(),
			"checksum": steps.Checksum(),
		})
	}
}

func handleGetRegistration(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	}
}

func handleUpdateStep(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		var partial model.SubDocument
		if err := decodeBody(w, r, &partial); err != nil {
			WriteError(w, err)
			return
		}
		key := model.StepKey(chi.URLParam(r, "stepKey"))
		if err := c.UpdateDocument(key, partial); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	}
}

func handleValidateStep(sessions *workflow.Sessions, steps *definition.Registry, gate *validation.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		key := model.StepKey(chi.URLParam(r, "stepKey"))
		if _, known := steps.OrderOf(key); !known {
			WriteError(w, model.NewUnknownStepError(string(key)))
			return
		}
		WriteJSON(w, http.StatusOK, gate.Validate(key, c.State().Document[key]))
	}
}

func handleAdvance(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		if _, err := c.Advance(r.Context()); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	}
}

func handleRetreat(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		if err := c.Retreat(); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	}
}

func handleJump(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		var body struct {
			Order *int `json:"order"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Order == nil {
			WriteValidationError(w, []model.FieldError{{Field: "order", Code: "required", Message: "is required"}})
			return
		}
		if err := c.JumpToStep(*body.Order); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	}
}

func handleSubmit(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(sessions, w, r)
		if !ok {
			return
		}
		var body struct {
			Consent bool `json:"consent"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		res, err := c.Submit(r.Context(), body.Consent)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

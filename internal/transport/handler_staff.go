package transport

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/internal/workflow"
	"github.com/pitabwire/portal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// staffOwner resolves the draft owner named in the path. Staff only ever see
// owners of their own tenant.
func staffOwner(w http.ResponseWriter, r *http.Request) (string, *model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return "", nil, false
	}
	subject := chi.URLParam(r, "subjectId")
	if subject == "" {
		WriteNotFound(w, "draft not found")
		return "", nil, false
	}
	owner := (&model.RequestContext{TenantID: rctx.TenantID, SubjectID: subject}).OwnerID()
	return owner, rctx, true
}

func handleListDrafts(store draft.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.DraftFilters{
			TenantID: rctx.TenantID,
			Limit:    min(max(queryInt(r, "limit", defaultPageSize), 1), maxPageSize),
			Offset:   max(queryInt(r, "offset", 0), 0),
		}
		if raw := r.URL.Query().Get("updated_before"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				WriteValidationError(w, []model.FieldError{{
					Field: "updated_before", Code: "invalid", Message: "must be an RFC 3339 timestamp",
				}})
				return
			}
			filters.UpdatedBefore = t
		}

		records, err := store.List(r.Context(), filters)
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("draft listing failed", zap.Error(err))
			WriteError(w, model.NewInternalError())
			return
		}
		if records == nil {
			records = []model.DraftRecord{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   records,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleGetDraft(store draft.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _, ok := staffOwner(w, r)
		if !ok {
			return
		}
		rec, err := store.Load(r.Context(), owner)
		if errors.Is(err, draft.ErrNotFound) {
			WriteNotFound(w, "draft not found")
			return
		}
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("draft load failed", zap.String("draft_owner", owner), zap.Error(err))
			WriteError(w, model.NewInternalError())
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

// handlePurgeDraft drops any live session without flushing it, then deletes
// the stored draft.
func handlePurgeDraft(store draft.Store, sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, rctx, ok := staffOwner(w, r)
		if !ok {
			return
		}
		logger := observability.LoggerFrom(r.Context(), zap.NewNop())

		sessions.Drop(owner)
		if err := store.Delete(r.Context(), owner); err != nil {
			logger.Error("draft purge failed", zap.String("draft_owner", owner), zap.Error(err))
			WriteError(w, model.NewInternalError())
			return
		}
		logger.Info("draft purged",
			zap.String("draft_owner", owner),
			zap.String("purged_by", rctx.SubjectID),
		)
		w.WriteHeader(http.StatusNoContent)
	}
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

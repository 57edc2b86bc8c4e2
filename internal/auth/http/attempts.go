package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// AttemptHandler exposes the user's sign-in audit trail.
type AttemptHandler struct {
	AttemptService *service.AttemptService
}

type attemptListItem struct {
	ID        string   `json:"id"`
	Method    string   `json:"method"`
	Result    string   `json:"result"`
	IP        string   `json:"ip,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// HandleList handles GET /v1/attempts.
func (h *AttemptHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	attempts, err := h.AttemptService.List(ctx, userID, limit, offset)
	if err != nil {
		log.Error("failed to list login attempts", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	items := make([]attemptListItem, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, attemptListItem{
			ID:        a.ID,
			Method:    a.Method,
			Result:    string(a.Result),
			IP:        a.IP,
			UserAgent: a.UserAgent,
			Latitude:  a.Latitude,
			Longitude: a.Longitude,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		})
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"attempts": items})
}

// HandleDelete handles DELETE /v1/attempts/{id}.
func (h *AttemptHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	if err := h.AttemptService.Delete(ctx, userID, r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "Unknown attempt")
			return
		}
		log.Error("failed to delete login attempt", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleDeleteAll handles DELETE /v1/attempts.
func (h *AttemptHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	if err := h.AttemptService.DeleteAll(ctx, userID); err != nil {
		log.Error("failed to delete login attempts", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

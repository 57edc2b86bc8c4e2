package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// CredentialHandler manages the user's registered WebAuthn credentials.
type CredentialHandler struct {
	CredentialService *service.CredentialService
}

type credentialListItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPasskey  bool   `json:"is_passkey"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// HandleList handles GET /v1/credentials.
func (h *CredentialHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	creds, err := h.CredentialService.List(ctx, userID)
	if err != nil {
		log.Error("failed to list credentials", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	items := make([]credentialListItem, 0, len(creds))
	for _, c := range creds {
		item := credentialListItem{
			ID:        c.ID,
			Name:      c.Name,
			IsPasskey: c.IsPasskey,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
		if c.LastUsedAt != nil {
			item.LastUsedAt = c.LastUsedAt.Format(time.RFC3339)
		}
		items = append(items, item)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"credentials": items})
}

type renameCredentialRequest struct {
	Name string `json:"name"`
}

// HandleRename handles PATCH /v1/credentials/{id}.
func (h *CredentialHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req renameCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	if err := h.CredentialService.Rename(ctx, userID, r.PathValue("id"), req.Name); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpx.WriteError(w, http.StatusNotFound, "not_found", "Unknown credential")
		case errors.Is(err, store.ErrAlreadyExists):
			httpx.WriteError(w, http.StatusConflict, "name_taken", "Another credential already has this name")
		default:
			log.Error("failed to rename credential", "user_id", userID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// HandleDelete handles DELETE /v1/credentials/{id}.
func (h *CredentialHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	if err := h.CredentialService.Delete(ctx, userID, r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "Unknown credential")
			return
		}
		log.Error("failed to delete credential", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	// Deleting a credential rotates the stamp, ending this session too.
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

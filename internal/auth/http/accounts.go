package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// AccountHandler handles registration and account self-management.
type AccountHandler struct {
	UserService *service.UserService
}

type registerRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type userResponse struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	EmailConfirmed   bool     `json:"email_confirmed"`
	DisplayName      string   `json:"display_name"`
	TwoFactorMethods []string `json:"two_factor_methods"`
	PasskeysEnabled  bool     `json:"passkeys_enabled"`
	CreatedAt        string   `json:"created_at"`
}

// HandleRegister handles POST /v1/accounts.
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	user, err := h.UserService.Register(ctx, req.Email, req.DisplayName, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			httpx.WriteError(w, http.StatusConflict, "email_taken", "An account with this email already exists")
			return
		}
		log.Error("failed to register user", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	// Confirmation mail is best-effort; the user can ask for a resend.
	if err := h.UserService.SendConfirmationEmail(ctx, user.ID); err != nil {
		log.Warn("failed to send confirmation email", "user_id", user.ID, "err", err)
	}

	httpx.WriteJSON(w, http.StatusCreated, userResponse{
		ID:               user.ID,
		Email:            user.Email,
		EmailConfirmed:   user.EmailConfirmed,
		DisplayName:      user.DisplayName,
		TwoFactorMethods: user.TwoFactorMethods.Names(),
		PasskeysEnabled:  user.PasskeysEnabled,
		CreatedAt:        user.CreatedAt.Format(time.RFC3339),
	})
}

type confirmEmailRequest struct {
	Code string `json:"code"`
}

// HandleConfirmEmail handles POST /v1/accounts/confirm-email.
func (h *AccountHandler) HandleConfirmEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req confirmEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	if err := h.UserService.ConfirmEmail(ctx, userID, req.Code); err != nil {
		if errors.Is(err, service.ErrInvalidConfirmation) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_code", "Invalid or expired confirmation code")
			return
		}
		log.Error("failed to confirm email", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// HandleSendConfirmation handles POST /v1/accounts/confirm-email/send.
func (h *AccountHandler) HandleSendConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	if err := h.UserService.SendConfirmationEmail(ctx, userID); err != nil {
		if errors.Is(err, service.ErrRateLimited) {
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Wait before requesting another code")
			return
		}
		log.Error("failed to send confirmation email", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// HandleChangePassword handles POST /v1/accounts/password.
func (h *AccountHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "current_password and new_password are required")
		return
	}

	if err := h.UserService.ChangePassword(ctx, userID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Current password is incorrect")
			return
		}
		log.Error("failed to change password", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	// The stamp rotated, so this session's token is already dead.
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// HandleUserInfo handles GET /v1/userinfo.
func (h *AccountHandler) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	user, err := h.UserService.Get(ctx, userID)
	if err != nil {
		log.Error("failed to load user", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, userResponse{
		ID:               user.ID,
		Email:            user.Email,
		EmailConfirmed:   user.EmailConfirmed,
		DisplayName:      user.DisplayName,
		TwoFactorMethods: user.TwoFactorMethods.Names(),
		PasskeysEnabled:  user.PasskeysEnabled,
		CreatedAt:        user.CreatedAt.Format(time.RFC3339),
	})
}

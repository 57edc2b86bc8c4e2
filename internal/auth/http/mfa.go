package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// MFAHandler handles second-factor method management.
type MFAHandler struct {
	MFAService *service.MFAService
}

// methodFromPath maps the {method} path value onto the bitset. Recovery codes
// and passkeys are not methods you enable here.
func methodFromPath(r *http.Request) (domain.TwoFactorMethod, bool) {
	switch r.PathValue("method") {
	case domain.MethodAuthenticator:
		return domain.TwoFactorAuthenticator, true
	case domain.MethodEmail:
		return domain.TwoFactorEmail, true
	case domain.MethodSecurityKey:
		return domain.TwoFactorSecurityKey, true
	default:
		return 0, false
	}
}

type totpEnrollResponse struct {
	Secret  string `json:"secret"`
	URL     string `json:"url"`
	Issuer  string `json:"issuer"`
	Account string `json:"account"`
}

// HandleEnrollTOTP handles POST /v1/mfa/totp/enroll.
func (h *MFAHandler) HandleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	enrollment, err := h.MFAService.EnrollTOTP(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrTOTPAlreadyEnabled) {
			httpx.WriteError(w, http.StatusBadRequest, "totp_already_enabled", "Authenticator method is already enabled")
			return
		}
		log.Error("failed to enroll TOTP", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, totpEnrollResponse{
		Secret:  enrollment.Secret,
		URL:     enrollment.URL,
		Issuer:  enrollment.Issuer,
		Account: enrollment.Account,
	})
}

type totpVerifyRequest struct {
	Code string `json:"code"`
}

type recoveryCodesResponse struct {
	RecoveryCodes []string `json:"recovery_codes,omitempty"`
}

// HandleVerifyTOTP handles POST /v1/mfa/totp/verify. On first enablement the
// recovery codes come back in plaintext, shown exactly once.
func (h *MFAHandler) HandleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req totpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	codes, err := h.MFAService.VerifyTOTP(ctx, userID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTOTPCode):
			httpx.WriteError(w, http.StatusBadRequest, "invalid_code", "Invalid TOTP code")
		case errors.Is(err, service.ErrTOTPNotEnrolled):
			httpx.WriteError(w, http.StatusBadRequest, "not_enrolled", "Enroll before verifying")
		case errors.Is(err, service.ErrTOTPAlreadyEnabled):
			httpx.WriteError(w, http.StatusBadRequest, "totp_already_enabled", "Authenticator method is already enabled")
		default:
			log.Error("failed to verify TOTP", "user_id", userID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, recoveryCodesResponse{RecoveryCodes: codes})
}

// HandleEnableMethod handles POST /v1/mfa/methods/{method} for email and
// security_key. The authenticator method goes through enroll/verify instead.
func (h *MFAHandler) HandleEnableMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var codes []string
	var err error
	switch r.PathValue("method") {
	case domain.MethodEmail:
		codes, err = h.MFAService.EnableEmail(ctx, userID)
	case domain.MethodSecurityKey:
		codes, err = h.MFAService.EnableSecurityKey(ctx, userID)
	default:
		httpx.WriteError(w, http.StatusBadRequest, "unsupported_method", "Unknown or non-enableable method")
		return
	}
	if err != nil {
		if errors.Is(err, service.ErrNoSecurityKey) {
			httpx.WriteError(w, http.StatusBadRequest, "no_security_key", "Register a security key first")
			return
		}
		log.Warn("failed to enable method", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusBadRequest, "method_not_enableable", err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, recoveryCodesResponse{RecoveryCodes: codes})
}

// HandleDisableMethod handles DELETE /v1/mfa/methods/{method}.
func (h *MFAHandler) HandleDisableMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	method, ok := methodFromPath(r)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported_method", "Unknown second-factor method")
		return
	}

	if err := h.MFAService.DisableMethod(ctx, userID, method); err != nil {
		log.Error("failed to disable method", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

type passkeysEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// HandlePasskeysEnabled handles PUT /v1/mfa/passkeys-enabled.
func (h *MFAHandler) HandlePasskeysEnabled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req passkeysEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := h.MFAService.SetPasskeysEnabled(ctx, userID, req.Enabled); err != nil {
		log.Error("failed to toggle passkey sign-in", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// HandleRegenerateRecoveryCodes handles POST /v1/mfa/recovery-codes.
func (h *MFAHandler) HandleRegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	codes, err := h.MFAService.RegenerateRecoveryCodes(ctx, userID)
	if err != nil {
		log.Warn("failed to regenerate recovery codes", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusBadRequest, "two_factor_not_enabled", "Enable a second factor first")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, recoveryCodesResponse{RecoveryCodes: codes})
}

// HandleRecoveryCodesRemaining handles GET /v1/mfa/recovery-codes.
func (h *MFAHandler) HandleRecoveryCodesRemaining(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	n, err := h.MFAService.RecoveryCodesRemaining(ctx, userID)
	if err != nil {
		log.Error("failed to count recovery codes", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]int{"remaining": n})
}

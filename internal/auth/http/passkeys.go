package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/ceremony"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// maxCeremonyBody bounds authenticator response payloads.
const maxCeremonyBody = 1 << 20

// PasskeyHandler handles WebAuthn registration and assertion ceremonies.
type PasskeyHandler struct {
	SignInService *service.SignInService
	UserService   *service.UserService
	Ceremonies    *ceremony.Engine
}

type registerOptionsRequest struct {
	// Passkey selects a resident credential usable for primary sign-in; false
	// enrolls a plain security key.
	Passkey bool `json:"passkey"`
}

type ceremonyOptionsResponse struct {
	CeremonyToken string `json:"ceremony_token"`
	Options       any    `json:"options"`
}

type registerFinishRequest struct {
	CeremonyToken string          `json:"ceremony_token"`
	Name          string          `json:"name"`
	Response      json.RawMessage `json:"response"`
}

type credentialResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPasskey bool   `json:"is_passkey"`
	CreatedAt string `json:"created_at"`
}

// HandleRegisterOptions handles POST /v1/passkeys/register/options.
func (h *PasskeyHandler) HandleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req registerOptionsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCeremonyBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	user, err := h.UserService.Get(ctx, userID)
	if err != nil {
		log.Error("failed to load user", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	creation, token, err := h.Ceremonies.BeginRegistration(ctx, *user, req.Passkey)
	if err != nil {
		log.Error("failed to begin registration ceremony", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{
		CeremonyToken: token,
		Options:       creation,
	})
}

// HandleRegisterFinish handles POST /v1/passkeys/register.
func (h *PasskeyHandler) HandleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	var req registerFinishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCeremonyBody)).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.CeremonyToken == "" || len(req.Response) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "ceremony_token and response are required")
		return
	}

	cred, err := h.Ceremonies.FinishRegistration(ctx, req.CeremonyToken, req.Name, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, ceremony.ErrCeremonyNotFound):
			httpx.WriteError(w, http.StatusBadRequest, "ceremony_not_found", "Unknown or expired ceremony")
		case errors.Is(err, ceremony.ErrVerificationFailed):
			httpx.WriteError(w, http.StatusBadRequest, "verification_failed", "Attestation could not be verified")
		case errors.Is(err, ceremony.ErrDuplicateCredential):
			httpx.WriteError(w, http.StatusConflict, "duplicate_credential", "This authenticator is already registered")
		default:
			log.Error("failed to finish registration ceremony", "user_id", userID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		}
		return
	}

	if cred.UserID != userID {
		// The ceremony belongs to another session; never attach its result here.
		log.Warn("registration ceremony user mismatch", "user_id", userID, "ceremony_user_id", cred.UserID)
		httpx.WriteError(w, http.StatusBadRequest, "ceremony_not_found", "Unknown or expired ceremony")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, credentialResponse{
		ID:        cred.ID,
		Name:      cred.Name,
		IsPasskey: cred.IsPasskey,
		CreatedAt: cred.CreatedAt.Format(time.RFC3339),
	})
}

type assertionOptionsRequest struct {
	// Email is optional: empty asks for a discoverable (username-less)
	// assertion.
	Email string `json:"email"`
}

// HandleAssertionOptions handles POST /v1/signin/passkey/options.
func (h *PasskeyHandler) HandleAssertionOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req assertionOptionsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCeremonyBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.Email == "" {
		assertion, token, err := h.Ceremonies.BeginDiscoverableAssertion(ctx)
		if err != nil {
			log.Error("failed to begin discoverable assertion", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{CeremonyToken: token, Options: assertion})
		return
	}

	user, err := h.SignInService.Store.Users().GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Hand out a discoverable challenge anyway so the endpoint does not
			// reveal which emails exist.
			assertion, token, derr := h.Ceremonies.BeginDiscoverableAssertion(ctx)
			if derr != nil {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
				return
			}
			httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{CeremonyToken: token, Options: assertion})
			return
		}
		log.Error("failed to load user", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	assertion, token, err := h.Ceremonies.BeginAssertion(ctx, *user)
	if err != nil {
		log.Error("failed to begin assertion", "user_id", user.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{CeremonyToken: token, Options: assertion})
}

type assertionFinishRequest struct {
	CeremonyToken string          `json:"ceremony_token"`
	Response      json.RawMessage `json:"response"`
}

// HandleAssertionFinish handles POST /v1/signin/passkey.
func (h *PasskeyHandler) HandleAssertionFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req assertionFinishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCeremonyBody)).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.CeremonyToken == "" || len(req.Response) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "ceremony_token and response are required")
		return
	}

	result, err := h.SignInService.PasskeySignIn(ctx, service.PasskeySignInParams{
		CeremonyToken: req.CeremonyToken,
		ResponseJSON:  req.Response,
		Client:        clientInfo(r),
	})
	if err != nil {
		log.Error("passkey sign-in failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	writeSignInResult(w, result)
}

type securityKeyOptionsRequest struct {
	TwoFactorToken string `json:"two_factor_token"`
}

// HandleSecurityKeyOptions handles POST /v1/signin/two-factor/security_key/options.
func (h *PasskeyHandler) HandleSecurityKeyOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req securityKeyOptionsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCeremonyBody)).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.TwoFactorToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "two_factor_token is required")
		return
	}

	_, user, err := h.SignInService.ResolveTwoFactorSession(ctx, req.TwoFactorToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTwoFactorToken) || errors.Is(err, service.ErrTooManyAttempts) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_two_factor_token", "Invalid or expired two-factor token")
			return
		}
		log.Error("failed to resolve two-factor session", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	if !user.TwoFactorMethods.Has(domain.TwoFactorSecurityKey) {
		httpx.WriteError(w, http.StatusBadRequest, "method_not_enabled", "This method is not enabled for the account")
		return
	}

	assertion, token, err := h.Ceremonies.BeginAssertion(ctx, *user)
	if err != nil {
		log.Error("failed to begin security-key assertion", "user_id", user.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{CeremonyToken: token, Options: assertion})
}

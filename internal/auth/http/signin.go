package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// SignInHandler handles the password and second-factor sign-in endpoints.
type SignInHandler struct {
	SignInService    *service.SignInService
	EmailCodeService *service.EmailCodeService
}

// signInResponse is the success-side envelope for sign-in results.
type signInResponse struct {
	Status string `json:"status"`

	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`

	TwoFactorToken string   `json:"two_factor_token,omitempty"`
	Methods        []string `json:"methods,omitempty"`

	TrustedDeviceToken string `json:"trusted_device_token,omitempty"`

	LockoutEnd *time.Time `json:"lockout_end,omitempty"`
}

// clientInfo builds the audit-trail view of the request.
func clientInfo(r *http.Request) service.ClientInfo {
	return service.ClientInfo{
		IP:        httpx.IPKeyExtractor(r),
		UserAgent: r.UserAgent(),
	}
}

// writeSignInResult maps a sign-in result onto the wire. Failure statuses get
// error envelopes so clients treat them uniformly.
func writeSignInResult(w http.ResponseWriter, result *domain.SignInResult) {
	switch result.Status {
	case domain.SignInSucceeded:
		httpx.WriteJSON(w, http.StatusOK, signInResponse{
			Status:             result.Status.String(),
			AccessToken:        result.AccessToken,
			TokenType:          "Bearer",
			TrustedDeviceToken: result.TrustedDeviceToken,
		})

	case domain.SignInTwoFactorRequired:
		httpx.WriteJSON(w, http.StatusOK, signInResponse{
			Status:         result.Status.String(),
			TwoFactorToken: result.TwoFactorToken,
			Methods:        result.Methods,
		})

	case domain.SignInLockedOut:
		httpx.WriteJSON(w, http.StatusLocked, signInResponse{
			Status:     result.Status.String(),
			LockoutEnd: result.LockoutEnd,
		})

	case domain.SignInNotAllowed:
		httpx.WriteError(w, http.StatusForbidden, "not_allowed", "Account is not allowed to sign in yet")

	default:
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials")
	}
}

// HandlePassword handles POST /v1/signin/password.
//
// Accepts form-encoded credentials so the rate limiter can key on the email
// field before the handler runs.
func (h *SignInHandler) HandlePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}

	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	result, err := h.SignInService.PasswordSignIn(ctx, service.PasswordSignInParams{
		Email:              email,
		Password:           password,
		Remember:           r.PostFormValue("remember") == "true",
		TrustedDeviceToken: r.PostFormValue("trusted_device_token"),
		Client:             clientInfo(r),
	})
	if err != nil {
		log.Error("password sign-in failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	writeSignInResult(w, result)
}

// HandleTwoFactor handles POST /v1/signin/two-factor/{method}.
func (h *SignInHandler) HandleTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}

	token := r.PostFormValue("two_factor_token")
	if token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "two_factor_token is required")
		return
	}

	method := r.PathValue("method")
	result, err := h.SignInService.TwoFactorSignIn(ctx, method, service.TwoFactorSignInParams{
		Token:         token,
		Code:          r.PostFormValue("code"),
		CeremonyToken: r.PostFormValue("ceremony_token"),
		ResponseJSON:  []byte(r.PostFormValue("response")),
		Client:        clientInfo(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTwoFactorToken):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_two_factor_token", "Invalid or expired two-factor token")
		case errors.Is(err, service.ErrTooManyAttempts):
			httpx.WriteError(w, http.StatusUnauthorized, "too_many_attempts", "Too many failed attempts, sign in again")
		case errors.Is(err, service.ErrUnsupportedMethod):
			httpx.WriteError(w, http.StatusBadRequest, "unsupported_method", "Unknown second-factor method")
		case errors.Is(err, service.ErrMethodNotEnabled):
			httpx.WriteError(w, http.StatusBadRequest, "method_not_enabled", "This method is not enabled for the account")
		default:
			log.Error("two-factor sign-in failed", "method", method, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		}
		return
	}

	writeSignInResult(w, result)
}

// HandleSendEmailCode handles POST /v1/signin/two-factor/email/send. The
// pending two-factor token identifies whose mailbox gets the code.
func (h *SignInHandler) HandleSendEmailCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}

	token := r.PostFormValue("two_factor_token")
	if token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "two_factor_token is required")
		return
	}

	_, user, err := h.SignInService.ResolveTwoFactorSession(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTwoFactorToken) || errors.Is(err, service.ErrTooManyAttempts) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_two_factor_token", "Invalid or expired two-factor token")
			return
		}
		log.Error("failed to resolve two-factor session", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	if !user.TwoFactorMethods.Has(domain.TwoFactorEmail) {
		httpx.WriteError(w, http.StatusBadRequest, "method_not_enabled", "This method is not enabled for the account")
		return
	}

	if err := h.EmailCodeService.SendSignInCode(ctx, user); err != nil {
		if errors.Is(err, service.ErrRateLimited) {
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Wait before requesting another code")
			return
		}
		log.Error("failed to send sign-in code", "user_id", user.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// HandleForgetBrowser handles POST /v1/signin/forget-browser.
func (h *SignInHandler) HandleForgetBrowser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	if err := h.SignInService.ForgetBrowser(ctx, userID); err != nil {
		log.Error("failed to forget browsers", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	// The caller's own token died with the stamp; they must sign in again.
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
}

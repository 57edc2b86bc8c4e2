package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/ceremony"
	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/httpx"
	"github.com/pelorusid/gatehouse/pkg/jwtx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	verifier     httpx.SessionVerifier
	stamps       httpx.StampChecker
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store store.Store

	SignInService     *service.SignInService
	UserService       *service.UserService
	MFAService        *service.MFAService
	CredentialService *service.CredentialService
	AttemptService    *service.AttemptService
	EmailCodeService  *service.EmailCodeService
	Ceremonies        *ceremony.Engine
}

func NewRouter(
	signer *jwtx.Signer,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		verifier:     signer,
		stamps:       stampSource{users: st.Users()},
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAccounts()
	r.registerSignIn()
	r.registerPasskeys()
	r.registerMFA()
	r.registerCredentials()
	r.registerAttempts()
	r.registerSystem()
}

// stampSource answers the authn middleware's stamp checks from the user
// store.
type stampSource struct {
	users store.UserRepository
}

func (s stampSource) CheckStamp(ctx context.Context, userID, stamp string) (bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.SecurityStamp == stamp, nil
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAccounts() {
	h := &AccountHandler{UserService: r.UserService}

	// POST /accounts - strict rate limit by IP (public signup endpoint)
	r.Mux.Handle("POST /v1/accounts",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// Confirmation endpoints carry codes, so they get the strict limit too.
	r.Mux.Handle("POST /v1/accounts/confirm-email",
		httpx.Chain(http.HandlerFunc(h.HandleConfirmEmail),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/accounts/confirm-email/send",
		httpx.Chain(http.HandlerFunc(h.HandleSendConfirmation),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("POST /v1/accounts/password",
		httpx.Chain(http.HandlerFunc(h.HandleChangePassword),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("GET /v1/userinfo",
		httpx.Chain(http.HandlerFunc(h.HandleUserInfo),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerSignIn() {
	h := &SignInHandler{
		SignInService:    r.SignInService,
		EmailCodeService: r.EmailCodeService,
	}

	// POST /signin/password - strict rate limit by IP + email form field to
	// prevent brute force across accounts.
	r.Mux.Handle("POST /v1/signin/password",
		httpx.Chain(http.HandlerFunc(h.HandlePassword),
			httpx.RateLimitByIPAndFormField(httpx.StrictLimit, "email"),
		),
	)

	// POST /signin/two-factor/{method} - strict rate limit by IP (code guessing)
	r.Mux.Handle("POST /v1/signin/two-factor/{method}",
		httpx.Chain(http.HandlerFunc(h.HandleTwoFactor),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /signin/two-factor/email/send - re-sends cost a mail, moderate limit
	r.Mux.Handle("POST /v1/signin/two-factor/email/send",
		httpx.Chain(http.HandlerFunc(h.HandleSendEmailCode),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("POST /v1/signin/forget-browser",
		httpx.Chain(http.HandlerFunc(h.HandleForgetBrowser),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerPasskeys() {
	h := &PasskeyHandler{
		SignInService: r.SignInService,
		UserService:   r.UserService,
		Ceremonies:    r.Ceremonies,
	}

	// Registration ceremonies require an authenticated session.
	r.Mux.Handle("POST /v1/passkeys/register/options",
		httpx.Chain(http.HandlerFunc(h.HandleRegisterOptions),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/passkeys/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegisterFinish),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	// Assertion ceremonies are public: they are how a user signs in.
	r.Mux.Handle("POST /v1/signin/passkey/options",
		httpx.Chain(http.HandlerFunc(h.HandleAssertionOptions),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/signin/passkey",
		httpx.Chain(http.HandlerFunc(h.HandleAssertionFinish),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// Assertion options for the security-key second factor, keyed by the
	// pending two-factor token.
	r.Mux.Handle("POST /v1/signin/two-factor/security_key/options",
		httpx.Chain(http.HandlerFunc(h.HandleSecurityKeyOptions),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerMFA() {
	h := &MFAHandler{MFAService: r.MFAService}

	// POST /mfa/totp/enroll - moderate rate limit by user
	r.Mux.Handle("POST /v1/mfa/totp/enroll",
		httpx.Chain(http.HandlerFunc(h.HandleEnrollTOTP),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	// POST /mfa/totp/verify - strict rate limit by user (prevent code brute force)
	r.Mux.Handle("POST /v1/mfa/totp/verify",
		httpx.Chain(http.HandlerFunc(h.HandleVerifyTOTP),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("POST /v1/mfa/methods/{method}",
		httpx.Chain(http.HandlerFunc(h.HandleEnableMethod),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("DELETE /v1/mfa/methods/{method}",
		httpx.Chain(http.HandlerFunc(h.HandleDisableMethod),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("PUT /v1/mfa/passkeys-enabled",
		httpx.Chain(http.HandlerFunc(h.HandlePasskeysEnabled),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("POST /v1/mfa/recovery-codes",
		httpx.Chain(http.HandlerFunc(h.HandleRegenerateRecoveryCodes),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("GET /v1/mfa/recovery-codes",
		httpx.Chain(http.HandlerFunc(h.HandleRecoveryCodesRemaining),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerCredentials() {
	h := &CredentialHandler{CredentialService: r.CredentialService}

	r.Mux.Handle("GET /v1/credentials",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("PATCH /v1/credentials/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleRename),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("DELETE /v1/credentials/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleDelete),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerAttempts() {
	h := &AttemptHandler{AttemptService: r.AttemptService}

	r.Mux.Handle("GET /v1/attempts",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("DELETE /v1/attempts/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleDelete),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("DELETE /v1/attempts",
		httpx.Chain(http.HandlerFunc(h.HandleDeleteAll),
			httpx.AuthnMiddleware(r.verifier, r.stamps),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may
	// poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}

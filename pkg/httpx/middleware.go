package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/pelorusid/gatehouse/pkg/jwtx"
)

// Middleware wraps an http.Handler with extra behaviour.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in order: the first listed runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// SessionVerifier validates a bearer session token.
type SessionVerifier interface {
	VerifySession(token string) (*jwtx.SessionClaims, error)
}

// StampChecker reports whether a security stamp is still the subject's
// current one.
type StampChecker interface {
	CheckStamp(ctx context.Context, userID, stamp string) (bool, error)
}

// AuthnMiddleware extracts and verifies the bearer token, injecting the user
// id and claims into the request context. Tokens that fail signature or
// expiry checks, or whose security stamp is no longer the stored one, get
// 401 before the handler runs.
func AuthnMiddleware(verifier SessionVerifier, stamps StampChecker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
				return
			}

			claims, err := verifier.VerifySession(token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
				return
			}

			// A stale stamp means the account's credential surface changed
			// after this token was minted; the token is dead whatever its
			// expiry says.
			current, err := stamps.CheckStamp(r.Context(), claims.Subject, claims.Stamp)
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
				return
			}
			if !current {
				WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), CtxKeyUserID, claims.Subject)
			ctx = context.WithValue(ctx, CtxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

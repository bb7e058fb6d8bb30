// Package authmw adapts verifier.TokenVerifier into net/http (and
// chi-compatible) middleware: bearer extraction, request-scoped
// correlation ID + logger, and mapping of autherr.Kind to HTTP status.
// This is an integration adapter, not part of the core — the core
// never imports this package.
package authmw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
	"github.com/icanbwell/oidc-auth-lib/internal/verifier"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlationId"
	decodedTokenKey  contextKey = "decodedToken"
)

// Middleware builds an http.Handler wrapper that verifies the bearer
// token on every request using v: it propagates or generates an
// X-Correlation-ID and attaches a contextual zerolog logger to the
// request context. On success the DecodedToken is stored on the
// request context, retrievable with DecodedTokenFromContext. On
// failure it maps the autherr.Kind to an HTTP status and writes a JSON
// error body.
func Middleware(v *verifier.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
			logger := log.With().Str("correlation_id", correlationID).Logger()
			ctx = logger.WithContext(ctx)

			token, ok := verifier.ExtractToken(r.Header.Get("Authorization"))
			if !ok {
				writeAuthError(w, autherr.New(autherr.TokenMissing, "missing or malformed bearer token"))
				return
			}

			dt, err := v.Verify(ctx, token)
			if err != nil {
				logger.Warn().Err(err).Msg("token verification failed")
				writeAuthError(w, err)
				return
			}

			ctx = context.WithValue(ctx, decodedTokenKey, dt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DecodedTokenFromContext retrieves the verified token stored by
// Middleware, if any.
func DecodedTokenFromContext(ctx context.Context) (*verifier.DecodedToken, bool) {
	dt, ok := ctx.Value(decodedTokenKey).(*verifier.DecodedToken)
	return dt, ok
}

// CorrelationIDFromContext retrieves the per-request correlation ID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeAuthError maps an autherr.Kind to the HTTP status a caller
// should surface. KeyNotFound hints that a refresh() + retry may
// succeed; TokenExpired sets the standard WWW-Authenticate challenge
// header so well-behaved clients know to re-authenticate rather than
// just retry the same token.
func writeAuthError(w http.ResponseWriter, err error) {
	var authErr *autherr.Error
	if !errors.As(err, &authErr) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusUnauthorized
	switch authErr.Kind {
	case autherr.TokenMissing, autherr.TokenMalformed, autherr.TokenInvalid, autherr.BadInput:
		status = http.StatusUnauthorized
	case autherr.TokenExpired:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token expired"`)
		status = http.StatusUnauthorized
	case autherr.KeyNotFound:
		w.Header().Set("Retry-After", "1")
		status = http.StatusUnauthorized
	case autherr.DiscoveryFailed, autherr.Unreachable:
		status = http.StatusServiceUnavailable
	case autherr.ConfigError:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: authErr.Message, Kind: string(authErr.Kind)})
}

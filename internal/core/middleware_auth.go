package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"creditgate/internal/types"
)

// AuthMiddleware rejects /v1 requests without a valid Bearer API key.
//
// Processing:
//  1. A nil Authenticator passes everything through. Config validation only
//     allows that in the local environment.
//  2. A missing header, or one without a Bearer token, answers 401
//     auth_token_missing.
//  3. A token the Authenticator refuses answers 401 auth_token_invalid. The
//     response never says whether the key was unknown or the check failed.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if err := s.Authenticator.Authenticate(r.Context(), token); err != nil {
			s.handleAuthError(w, r, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token from "Bearer <token>" (scheme is
// case-insensitive per RFC 7235), or "" when the header is malformed.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// handleAuthError logs the rejection and writes the 401. Expected rejections
// (auth_* codes) log at warn; anything else means the Authenticator itself
// broke and logs at error.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && strings.HasPrefix(string(appErr.Code), "auth_") {
		s.Logger.Warn("authentication failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error_code", string(appErr.Code)),
		)
		s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
		return
	}

	s.Logger.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

// writeAuthError writes the 401 envelope. It bypasses Error so the status
// stays 401 whatever code the caller passes.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// APIKeyAuthenticator accepts the single API key whose bcrypt hash is
// configured. Accepted tokens are remembered by SHA-256 digest so bcrypt
// runs once per key rather than once per request.
type APIKeyAuthenticator struct {
	hash     []byte
	accepted sync.Map // [sha256.Size]byte -> struct{}
}

// NewAPIKeyAuthenticator creates an authenticator for the bcrypt hash.
func NewAPIKeyAuthenticator(hash types.SecretString) (*APIKeyAuthenticator, error) {
	h := []byte(hash.Unmask())
	if _, err := bcrypt.Cost(h); err != nil {
		return nil, err
	}
	return &APIKeyAuthenticator{hash: h}, nil
}

// Authenticate compares token with the configured hash. A cache hit skips
// bcrypt; a miss pays the full bcrypt cost, so guessing stays slow.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) error {
	digest := sha256.Sum256([]byte(token))
	if _, ok := a.accepted.Load(digest); ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid api key", nil)
	}
	a.accepted.Store(digest, struct{}{})
	return nil
}

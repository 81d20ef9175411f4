// Package middleware contains HTTP middleware for the coaching API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/lingocoach/internal/auth"
	"github.com/DukeRupert/lingocoach/internal/handler"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// =============================================================================
// Token Claims
// =============================================================================

// Claims are the bearer token claims. Subject carries the user ID.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var errMalformedSubject = errors.New("token subject is not a user id")

// =============================================================================
// Auth Middleware Configuration
// =============================================================================

// AuthMiddleware authenticates API requests with HS256 bearer tokens issued
// by the account service.
type AuthMiddleware struct {
	secret []byte
	issuer string
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
//
// Parameters:
// - secret: HMAC key shared with the token issuer
// - issuer: Expected "iss" claim; empty accepts any issuer
// - logger: Structured logger for auth events
func NewAuthMiddleware(secret, issuer string, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger,
		now:    time.Now,
	}
}

// =============================================================================
// Token Handling
// =============================================================================

// IssueToken signs a token for p valid for ttl.
func (m *AuthMiddleware) IssueToken(p auth.Principal, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ParseToken validates a raw token and returns its principal.
func (m *AuthMiddleware) ParseToken(raw string) (*auth.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...); err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errMalformedSubject, claims.Subject)
	}
	return &auth.Principal{UserID: userID, Email: claims.Email}, nil
}

// =============================================================================
// RequireUser Middleware
// =============================================================================

// RequireUser is middleware that requires a valid bearer token.
//
// This middleware:
// 1. Reads the Authorization: Bearer header
// 2. Validates signature, expiry and issuer
// 3. Stores the principal in the request context
// 4. Returns 401 JSON otherwise
//
// The principal can be retrieved in handlers using:
//
//	p := auth.GetPrincipal(r.Context())
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		p, err := m.ParseToken(raw)
		if err != nil {
			m.logger.Info("rejected bearer token", "error", err, "path", r.URL.Path)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetPrincipal(r.Context(), p)))
	})
}

// =============================================================================
// Request Helpers
// =============================================================================

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(Logger(logger), SecurityHeaders)
//	handler := stack(mux)
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var _ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireUser

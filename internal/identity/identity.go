// Package identity provides bearer-credential authentication and request-scoped identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenQueryParam is the query parameter browsers use to pass the credential on upgrade,
// since the WebSocket API cannot set headers.
const TokenQueryParam = "token"

// RoleAdmin grants access to administrative endpoints.
const RoleAdmin = "admin"

type contextKey int

const (
	userIDKey contextKey = iota
	roleKey
)

var (
	// ErrUnauthenticated is the root of every credential failure.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrMissingCredential means no bearer token was supplied.
	ErrMissingCredential = fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	// ErrInvalidCredential means the token failed verification or carried no user.
	ErrInvalidCredential = fmt.Errorf("%w: invalid or expired credential", ErrUnauthenticated)
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// Claims accepts both the legacy {userId} and {id} payloads as well as a standard subject.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	ID     string `json:"id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) subject() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.ID != "":
		return c.ID
	default:
		return c.Subject
	}
}

// Verifier validates HMAC-signed JWTs against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(token string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredential
	}

	userID := claims.subject()
	if userID == "" {
		return nil, fmt.Errorf("%w: token carries no user id", ErrInvalidCredential)
	}
	return &Principal{UserID: userID, Email: claims.Email, Role: claims.Role}, nil
}

// Sign issues a token for the given user. Token issuance belongs to the account service;
// this exists for tooling and tests.
func (v *Verifier) Sign(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ExtractToken returns the bearer credential from the request: the Authorization header
// first, then the token query parameter.
func ExtractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token, nil
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token, nil
	}
	return "", ErrMissingCredential
}

// Authenticate extracts and verifies the request credential.
func (v *Verifier) Authenticate(r *http.Request) (*Principal, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}
	return v.Verify(token)
}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, userIDKey, p.UserID)
	return context.WithValue(ctx, roleKey, p.Role)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext extracts the role claim from the request context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects unauthenticated requests and injects the principal.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Authenticate(r)
			if err != nil {
				slog.Debug("Request rejected", "path", r.URL.Path, "ip", IPFromRequest(r), "error", err)
				http.Error(w, `{"error":"missing or invalid authorization token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole must run after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFromContext(r.Context()) != role {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

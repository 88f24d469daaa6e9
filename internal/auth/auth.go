// package auth provides bearer-token authentication for the vault API.
// Tokens are HS256 JWTs carrying a "roles" claim; role checks gate the write,
// audit and retention surfaces separately.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "vault.authInfo"

// Roles understood by the API.
const (
	// RoleProducer may append entries (calculation engines, integrations).
	RoleProducer = "producer"
	// RoleAuditor may verify chains and export audit packs.
	RoleAuditor = "auditor"
	// RoleAdmin may do everything, including retention and hold management.
	RoleAdmin = "admin"
)

// AuthInfo holds the authenticated principal for a request.
type AuthInfo struct {
	Subject string
	Roles   []string
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	v := ctx.Value(ctxKeyAuthInfo)
	if v == nil {
		return nil
	}
	if ai, ok := v.(*AuthInfo); ok {
		return ai
	}
	return nil
}

// HasRole reports whether the principal carries the role. Admin implies all.
func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewMiddleware validates the Authorization bearer token and stores the
// resulting AuthInfo in the request context. An empty secret disables
// authentication entirely (dev mode): every request passes with no principal.
func NewMiddleware(secret []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "bearer token required", http.StatusUnauthorized)
				return
			}

			var c claims
			tok, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !tok.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ai := &AuthInfo{Subject: c.Subject, Roles: c.Roles}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAuthInfo, ai)))
		})
	}
}

// Require gates a route on one of the given roles. With auth disabled (no
// principal in context and no secret configured) the check is skipped by the
// middleware never populating context; Require then allows the request only
// when enforcement is off.
func Require(enforce bool, roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enforce {
				next.ServeHTTP(w, r)
				return
			}
			ai := FromContext(r.Context())
			if ai == nil {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if HasRole(ai, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

// SignToken mints a token for tests and local tooling.
func SignToken(secret []byte, subject string, roles ...string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	})
	return tok.SignedString(secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

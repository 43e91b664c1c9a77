package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
)

type contextKey string

const adminClaimsKey contextKey = "adminClaims"

// AdminClaims is the token body issued to operators. Role is one of
// operator, manager or admin; anything else is treated as operator.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminJWT enforces an HMAC-signed JWT for admin endpoints. The subject
// identifies the operator.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if strings.TrimSpace(claims.Subject) == "" {
				http.Error(w, "token has no subject", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClaimsFromContext returns admin JWT claims if present.
func AdminClaimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(*AdminClaims)
	return claims, ok
}

// PrincipalFromContext maps the verified claims onto the access-policy caller.
func PrincipalFromContext(ctx context.Context) (conversation.Principal, bool) {
	claims, ok := AdminClaimsFromContext(ctx)
	if !ok {
		return conversation.Principal{}, false
	}
	return conversation.Principal{
		ID:   strings.TrimSpace(claims.Subject),
		Role: conversation.ParseRole(claims.Role),
	}, true
}

// WithPrincipal stores claims for p on ctx; handler tests use it to skip signing.
func WithPrincipal(ctx context.Context, p conversation.Principal) context.Context {
	claims := &AdminClaims{Role: string(p.Role)}
	claims.Subject = p.ID
	return context.WithValue(ctx, adminClaimsKey, claims)
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...conversation.Role) func(http.Handler) http.Handler {
	allowed := make(map[conversation.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[p.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

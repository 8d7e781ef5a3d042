// Package auth verifies the bearer credentials presented at connection time.
// Tokens are HS256 JWTs carrying the user's id, email and role, issued by the
// login service; verification failure is a hard rejection of the connection
// attempt, before any presence state is touched.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Identity is the verified (userId, email, role) triple bound to a connection
// for its lifetime.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

type tokenClaims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token, returning the identity it binds.
func (v *Verifier) Verify(token string) (Identity, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid || claims.ID == "" {
		return Identity{}, fmt.Errorf("token carries no user id")
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{UserID: claims.ID, Email: claims.Email, Role: role}, nil
}

// TokenFromRequest pulls the bearer token from the Authorization header, or
// from the access_token query parameter for websocket clients which cannot
// set headers.
func TokenFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return req.URL.Query().Get("access_token")
}

type identityCtxKey struct{}

// WithIdentity stores the verified identity on the request context.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, ident)
}

// IdentityFromContext returns the identity the auth middleware stored, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityCtxKey{}).(Identity)
	return ident, ok
}

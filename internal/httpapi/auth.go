package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type principalKey struct{}

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the calling principal. With a secret it verifies
// HS256 bearer tokens and uses the subject claim; without one it trusts the
// X-Principal header.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return &Authenticator{}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Authenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (a *Authenticator) Principal(r *http.Request) (string, error) {
	if a == nil || a.parser == nil {
		p := strings.TrimSpace(r.Header.Get("X-Principal"))
		if p == "" {
			return "", fmt.Errorf("%w: missing X-Principal", errUnauthenticated)
		}
		return p, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", errUnauthenticated)
	}
	var claims jwt.RegisteredClaims
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}
	return claims.Subject, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Principal(r)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// Package auth verifies bearer tokens and enforces role checks on HTTP routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
)

const (
	RoleRead     = "prompt-sync:read"
	RoleTrigger  = "prompt-sync:trigger"
	RoleOperator = "prompt-sync:operator"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "prompt-sync.principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Issuer  string
	Roles   []string
}

func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks HS256 tokens signed with a shared secret. A disabled Verifier
// lets every request through as an operator.
type Verifier struct {
	secret   []byte
	issuer   string
	disabled bool
	log      *logger.Logger
}

func NewVerifier(secret, issuer string, disabled bool, log *logger.Logger) (*Verifier, error) {
	if log == nil {
		log = logger.Nop()
	}
	if secret == "" && !disabled {
		return nil, errors.New("auth: jwt secret required")
	}
	if disabled && secret != "" {
		disabled = false
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, disabled: disabled, log: log.With("component", "auth")}, nil
}

func (v *Verifier) Verify(raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Principal{Subject: claims.Subject, Issuer: claims.Issuer, Roles: claims.Roles}, nil
}

// Middleware authenticates the request and stores the Principal in its context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.disabled {
			p := &Principal{Subject: "anonymous", Roles: []string{RoleOperator}}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}
		p, err := v.Verify(bearerToken(r))
		if err != nil {
			v.log.Debug("request rejected", "path", r.URL.Path, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func HasRole(p *Principal, role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAnyRole lets the request continue only when the Principal holds one of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(p, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

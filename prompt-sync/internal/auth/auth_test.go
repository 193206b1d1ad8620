package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, roles []string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			Issuer:    "koya",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func protected(v *Verifier, roles ...string) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return v.Middleware(RequireAnyRole(roles...)(ok))
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	v, err := NewVerifier(testSecret, "koya", false, nil)
	require.NoError(t, err)
	h := protected(v, RoleRead, RoleOperator)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"reader", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), []string{RoleRead}, time.Now().Add(time.Hour)), http.StatusNoContent},
		{"trigger only", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), []string{RoleTrigger}, time.Now().Add(time.Hour)), http.StatusForbidden},
		{"expired", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), []string{RoleRead}, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"wrong secret", signToken(t, jwt.SigningMethodHS256, []byte("other"), []string{RoleRead}, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"wrong algorithm", signToken(t, jwt.SigningMethodHS512, []byte(testSecret), []string{RoleRead}, time.Now().Add(time.Hour)), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/prompt-sync/drift", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v, err := NewVerifier(testSecret, "someone-else", false, nil)
	require.NoError(t, err)
	_, err = v.Verify(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), nil, time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledVerifierGrantsOperator(t *testing.T) {
	v, err := NewVerifier("", "", true, nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	protected(v, RoleOperator).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/prompt-sync/process", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSecretWinsOverDisabled(t *testing.T) {
	v, err := NewVerifier(testSecret, "", true, nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	protected(v, RoleOperator).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/prompt-sync/process", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "", false, nil)
	assert.Error(t, err)
}

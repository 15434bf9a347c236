package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-signing-secret")

func mintToken(t *testing.T, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, &claims).SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func freshClaims(sub, tenant string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
		Roles:    roles,
	}
}

// authProbe runs one request through the auth middleware and reports the
// principal the handler saw, if it ran at all.
func authProbe(t *testing.T, validator *JWTValidator, path, authHeader string) (*httptest.ResponseRecorder, *Principal) {
	t.Helper()
	var seen *Principal
	h := AuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, err := PrincipalFrom(r.Context()); err == nil {
			seen = p
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, seen
}

func TestAuthValidToken(t *testing.T) {
	v := NewJWTValidator(testSecret)
	tok := mintToken(t, jwt.SigningMethodHS256, freshClaims("user-1", "tenant-1", RoleSalesUser, RoleSalesManager))

	w, p := authProbe(t, v, "/cases", "Bearer "+tok)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, p)
	assert.Equal(t, "user-1", p.ID)
	assert.Equal(t, "tenant-1", p.TenantID)
	assert.True(t, p.HasRole(RoleSalesUser))
	assert.True(t, p.HasRole(RoleSalesManager))
	assert.False(t, p.HasRole(RoleOpsAuditor))
}

func TestAuthRejections(t *testing.T) {
	v := NewJWTValidator(testSecret)

	expired := freshClaims("user-1", "tenant-1", RoleSalesUser)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		&Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}, TenantID: "tenant-1"},
	).SignedString([]byte("some other secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwdw=="},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + foreign},
		{"expired", "Bearer " + mintToken(t, jwt.SigningMethodHS256, expired)},
		{"wrong algorithm", "Bearer " + mintToken(t, jwt.SigningMethodHS512, freshClaims("user-1", "tenant-1"))},
		{"no subject", "Bearer " + mintToken(t, jwt.SigningMethodHS256, freshClaims("", "tenant-1"))},
		{"no tenant", "Bearer " + mintToken(t, jwt.SigningMethodHS256, freshClaims("user-1", ""))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, p := authProbe(t, v, "/cases", tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Nil(t, p)
		})
	}
}

func TestAuthFailsClosedWithoutValidator(t *testing.T) {
	require.Nil(t, NewJWTValidator(nil))

	tok := mintToken(t, jwt.SigningMethodHS256, freshClaims("user-1", "tenant-1"))
	w, _ := authProbe(t, nil, "/cases", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthPublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/ready", "/tools/parse", "/files/bucket/key"} {
		w, _ := authProbe(t, nil, path, "")
		assert.Equal(t, http.StatusNoContent, w.Code, "path %s should not require a token", path)
	}
	w, _ := authProbe(t, nil, "/cases", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPrincipalFromEmptyContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := PrincipalFrom(r.Context())
	assert.Error(t, err)
}

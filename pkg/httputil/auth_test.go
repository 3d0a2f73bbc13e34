package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/config"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/permissions"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims(expiresIn time.Duration) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "medflow",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
		Email:        "pharmacist@clinic.test",
		Name:         "Sam Reyes",
		Role:         "pharmacist",
		Permissions:  []string{permissions.PharmacyRead, permissions.PharmacyDispense},
		TenantID:     "tenant-1",
		TenantSlug:   "clinic",
		TenantSchema: "tenant_clinic",
	}
}

func newTestRouter(trustHeaders bool) http.Handler {
	auth := NewAuthenticator(
		config.JWTConfig{Secret: testSecret, Issuer: "medflow"},
		config.AuthConfig{TrustGatewayHeaders: trustHeaders},
		logger.Nop(),
	)

	r := chi.NewRouter()
	r.Use(auth.Middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, actor.FromContext(r.Context()))
	})
	r.With(RequirePermission(permissions.PharmacyStockAdjust)).Post("/adjust", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func TestAuthenticator_BearerToken(t *testing.T) {
	auth := NewAuthenticator(config.JWTConfig{Secret: testSecret, Issuer: "medflow"}, config.AuthConfig{}, logger.Nop())

	var got *actor.Actor
	var schema string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = actor.FromContext(r.Context())
		schema, _ = tenant.TenantSchema(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/inventory", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims(time.Hour)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.ID)
	assert.Equal(t, "Sam Reyes", got.Name)
	assert.Equal(t, "pharmacist", got.RoleName)
	assert.True(t, got.Can(permissions.PharmacyDispense))
	assert.Equal(t, "tenant_clinic", schema)
}

func TestAuthenticator_Rejections(t *testing.T) {
	noTenant := validClaims(time.Hour)
	noTenant.TenantSchema = ""
	badSchema := validClaims(time.Hour)
	badSchema.TenantSchema = "public; drop"
	wrongIssuer := validClaims(time.Hour)
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantErr  string
	}{
		{"missing header", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not bearer", "Basic abc", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"expired", "Bearer " + signToken(t, testSecret, validClaims(-time.Minute)), http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"wrong secret", "Bearer " + signToken(t, "other", validClaims(time.Hour)), http.StatusUnauthorized, "TOKEN_INVALID"},
		{"wrong issuer", "Bearer " + signToken(t, testSecret, wrongIssuer), http.StatusUnauthorized, "TOKEN_INVALID"},
		{"missing tenant", "Bearer " + signToken(t, testSecret, noTenant), http.StatusForbidden, "FORBIDDEN"},
		{"invalid schema", "Bearer " + signToken(t, testSecret, badSchema), http.StatusForbidden, "FORBIDDEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(false)
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), tt.wantErr)
		})
	}
}

func TestAuthenticator_HealthIsPublic(t *testing.T) {
	router := newTestRouter(false)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthenticator_GatewayHeaders(t *testing.T) {
	tests := []struct {
		name        string
		permissions string
		wantCode    int
	}{
		{"json permissions", `["pharmacy.stock.adjust"]`, http.StatusNoContent},
		{"comma permissions", "pharmacy.read,pharmacy.stock.adjust", http.StatusNoContent},
		{"wildcard", "pharmacy.*", http.StatusNoContent},
		{"lacking permission", "pharmacy.read", http.StatusForbidden},
		{"malformed json", `["pharmacy.read"`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(true)
			req := httptest.NewRequest(http.MethodPost, "/adjust", nil)
			req.Header.Set("X-User-ID", "user-2")
			req.Header.Set("X-User-Role", "technician")
			req.Header.Set("X-User-Permissions", tt.permissions)
			req.Header.Set("X-Tenant-ID", "tenant-1")
			req.Header.Set("X-Tenant-Schema", "tenant_clinic")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
		})
	}
}

func TestAuthenticator_GatewayHeadersIgnoredWhenUntrusted(t *testing.T) {
	router := newTestRouter(false)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-User-ID", "user-2")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	req.Header.Set("X-Tenant-Schema", "tenant_clinic")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

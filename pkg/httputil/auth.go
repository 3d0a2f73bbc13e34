package httputil

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/config"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/permissions"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
)

// Claims are the access token claims issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id,omitempty"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`

	TenantID     string `json:"tenant_id"`
	TenantSlug   string `json:"tenant_slug"`
	TenantSchema string `json:"tenant_schema"`
}

// Authenticator resolves the caller and tenant of every request.
//
// A bearer token is verified with the shared HS256 secret. Without a token,
// and only when trustGatewayHeaders is set, the X-User-* and X-Tenant-*
// headers forwarded by the API gateway are accepted instead.
type Authenticator struct {
	secret              []byte
	issuer              string
	trustGatewayHeaders bool
	log                 *logger.Logger
}

// NewAuthenticator creates an Authenticator from service configuration.
func NewAuthenticator(jwtCfg config.JWTConfig, authCfg config.AuthConfig, log *logger.Logger) *Authenticator {
	return &Authenticator{
		secret:              []byte(jwtCfg.Secret),
		issuer:              jwtCfg.Issuer,
		trustGatewayHeaders: authCfg.TrustGatewayHeaders,
		log:                 log,
	}
}

// Middleware authenticates the request and stores user, actor and tenant
// in its context. /health is always let through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		var (
			claims *Claims
			err    error
		)
		switch {
		case r.Header.Get("Authorization") != "":
			claims, err = a.parseBearer(r.Header.Get("Authorization"))
		case a.trustGatewayHeaders:
			claims, err = claimsFromHeaders(r)
		default:
			err = errors.Unauthorized("missing authorization header")
		}
		if err != nil {
			Error(w, err)
			return
		}

		userID := claims.Subject
		if userID == "" {
			userID = claims.UserID
		}
		if userID == "" {
			Error(w, errors.Unauthorized("missing user identity"))
			return
		}

		if claims.TenantID == "" || claims.TenantSchema == "" {
			Error(w, errors.Forbidden("missing tenant context"))
			return
		}
		if err := tenant.ValidateSchema(claims.TenantSchema); err != nil {
			a.log.Warn().Str("user_id", userID).Str("schema", claims.TenantSchema).Msg("rejected tenant schema")
			Error(w, errors.Forbidden("invalid tenant context"))
			return
		}

		ctx := WithUserContext(r.Context(), userID, claims.Email, claims.Role)
		ctx = tenant.WithTenantContext(ctx, claims.TenantID, claims.TenantSlug, claims.TenantSchema)
		ctx = actor.WithActor(ctx, &actor.Actor{
			ID:          userID,
			Name:        claims.Name,
			Email:       claims.Email,
			TenantID:    claims.TenantID,
			RoleName:    claims.Role,
			Permissions: permissions.Normalize(claims.Permissions),
		})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parseBearer(header string) (*Claims, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errors.Unauthorized("invalid authorization header format")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		a.log.Debug().Err(err).Msg("token validation failed")
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid()
	}
	if !token.Valid {
		return nil, errors.TokenInvalid()
	}
	return claims, nil
}

// claimsFromHeaders reads the identity the gateway forwards. Permissions
// arrive either as a JSON array or comma separated.
func claimsFromHeaders(r *http.Request) (*Claims, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return nil, errors.Unauthorized("missing authorization header")
	}

	claims := &Claims{
		UserID:       userID,
		Email:        r.Header.Get("X-User-Email"),
		Name:         r.Header.Get("X-User-Name"),
		Role:         r.Header.Get("X-User-Role"),
		TenantID:     r.Header.Get("X-Tenant-ID"),
		TenantSlug:   r.Header.Get("X-Tenant-Slug"),
		TenantSchema: r.Header.Get("X-Tenant-Schema"),
	}

	raw := strings.TrimSpace(r.Header.Get("X-User-Permissions"))
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &claims.Permissions); err != nil {
			return nil, errors.Unauthorized("malformed permissions header")
		}
	} else if raw != "" {
		claims.Permissions = strings.Split(raw, ",")
	}

	return claims, nil
}

// RequirePermission rejects callers holding none of the given permissions.
func RequirePermission(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := actor.FromContext(r.Context())
			if a == nil {
				Error(w, errors.Unauthorized("authentication required"))
				return
			}
			if !permissions.HasAnyPermission(a.Permissions, required) {
				Error(w, errors.Forbidden("missing permission: "+strings.Join(required, " or ")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

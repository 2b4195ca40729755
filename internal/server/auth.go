package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret string
	// DefaultTenant backs tokens without a tenant claim.
	DefaultTenant string
	// DevAuth enables the unauthenticated /auth/dev-login token mint. Never
	// turn this on outside local development.
	DevAuth bool
}

type Principal struct {
	ActorID  string
	TenantID string
	Role     string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requirePrincipal(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant,omitempty"`
	Role   string `json:"role,omitempty"`
}

func (c AuthConfig) authenticate(token string) (Principal, error) {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	tenant := claims.Tenant
	if tenant == "" {
		tenant = c.DefaultTenant
	}
	return Principal{ActorID: claims.Subject, TenantID: tenant, Role: claims.Role}, nil
}

// MintToken issues an HS256 token; used by dev login and tests.
func (c AuthConfig) MintToken(actorID, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant: tenantID,
		Role:   role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.JWTSecret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev-login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(req.Header.Get("Authorization"))
			if !ok {
				writeAuthError(w, "bearer token required")
				return
			}
			p, err := cfg.authenticate(token)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: "unauthorized", Message: msg},
	})
}

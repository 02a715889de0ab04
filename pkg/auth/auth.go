// Package auth verifies bearer tokens and exposes the caller identity as a
// Principal on the request context. The approver identity recorded on action
// records comes from here; it is consumed downstream as an opaque string.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

type contextKey string

const principalContextKey contextKey = "opsguard.principal"

// Roles the gateway distinguishes.
const (
	RoleApprover = "approver"
	RoleOperator = "operator"
	RoleAgent    = "agent"
)

type MiddlewareConfig struct {
	Issuer   string
	Audience string
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

// Middleware authenticates requests. Mode "off" passes everything through as
// an anonymous principal; mode "oidc_hs256" requires a valid HS256 bearer
// token signed with secret.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Roles: []string{"anonymous"}})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			if mode != "oidc_hs256" {
				http.Error(w, "unsupported auth mode", http.StatusUnauthorized)
				return
			}
			claims, err := VerifyHS256Token(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   claims.Roles,
				Tenant:  claims.Tenant,
			})))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	Tenant string   `json:"tenant"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	claims, err := decodeClaims(payloadRaw)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

func decodeClaims(payloadRaw []byte) (TokenClaims, error) {
	var claims TokenClaims
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &raw); err != nil {
		return TokenClaims{}, err
	}
	for key, target := range map[string]any{
		"sub":    &claims.Sub,
		"tenant": &claims.Tenant,
		"iss":    &claims.Iss,
		"exp":    &claims.Exp,
		"nbf":    &claims.Nbf,
		"iat":    &claims.Iat,
	} {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, target)
		}
	}
	if v, ok := raw["roles"]; ok {
		if err := json.Unmarshal(v, &claims.Roles); err != nil {
			var single string
			if err2 := json.Unmarshal(v, &single); err2 == nil && single != "" {
				claims.Roles = []string{single}
			}
		}
	}
	if v, ok := raw["aud"]; ok {
		var audAny any
		_ = json.Unmarshal(v, &audAny)
		claims.Aud = audAny
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

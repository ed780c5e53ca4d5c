// Package auth implements bearer-token verification for the HTTP surface.
//
// Two signing schemes are supported: HS256 with a shared secret and RS256
// with a PEM public key. When neither is configured the middleware runs
// open, which is the expected setup on an isolated robot cell network.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role constants.
const (
	RoleViewer     = "viewer"
	RoleController = "controller"
)

// Scope constants.
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

// Claims are the verified token claims the rest of the container consumes.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the claims carry the scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// VerifierConfig selects the signing scheme. Exactly one of SecretKey and
// PublicKeyPEM should be set.
type VerifierConfig struct {
	// SecretKey enables HS256.
	SecretKey string
	// PublicKeyPEM enables RS256.
	PublicKeyPEM string
}

// Verifier validates bearer tokens.
type Verifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
}

// NewVerifier builds a verifier from cfg.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{}
	switch {
	case cfg.SecretKey != "":
		v.secret = []byte(cfg.SecretKey)
	case cfg.PublicKeyPEM != "":
		block, _ := pem.Decode([]byte(cfg.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("decode public key PEM block")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		v.publicKey = rsaPub
	default:
		return nil, fmt.Errorf("no key material configured")
	}
	return v, nil
}

// VerifyToken validates the token signature and extracts claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if v.secret == nil {
				return nil, fmt.Errorf("HS256 not configured")
			}
			return v.secret, nil
		case "RS256":
			if v.publicKey == nil {
				return nil, fmt.Errorf("RS256 not configured")
			}
			return v.publicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	mapClaims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return extractClaims(mapClaims)
}

func extractClaims(claims *jwt.MapClaims) (*Claims, error) {
	sub, ok := (*claims)["sub"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}
	roles, err := stringSlice(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}
	if !validSet(roles, map[string]bool{RoleViewer: true, RoleController: true}) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}
	if !validSet(scopes, map[string]bool{ScopeRead: true, ScopeControl: true, ScopeTelemetry: true}) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}
	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSlice(claims *jwt.MapClaims, key string) ([]string, error) {
	value, ok := (*claims)[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}
	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			out[i] = str
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

func validSet(values []string, valid map[string]bool) bool {
	for _, v := range values {
		if !valid[v] {
			return false
		}
	}
	return len(values) > 0
}

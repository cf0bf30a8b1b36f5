package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates bearer tokens and extracts the Principal.
type Verifier struct {
	keys    KeySet
	options []jwt.ParserOption
}

// NewVerifier creates a Verifier. Issuer and audience are checked when non-empty.
func NewVerifier(keys KeySet, issuer, audience string) *Verifier {
	methods := []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}
	if _, ok := keys.(StaticKey); ok {
		methods = []string{"HS256", "HS384", "HS512"}
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}
	return &Verifier{keys: keys, options: options}
}

// Verify parses token and returns its Principal.
func (v *Verifier) Verify(ctx context.Context, token string) (*Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	}, v.options...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	p := &Principal{Subject: subject}
	p.Email, _ = claims["email"].(string)
	p.Roles = append(stringList(claims["roles"]), realmRoles(claims)...)
	return p, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// realmRoles reads Keycloak-style realm_access.roles.
func realmRoles(claims jwt.MapClaims) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	return stringList(access["roles"])
}

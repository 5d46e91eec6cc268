package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// eventsPath is the only route that accepts the access_token query parameter.
const eventsPath = "/v1/events"

// TenantHeader carries the tenant when authentication is disabled.
const TenantHeader = "X-Tenant-ID"

var errNoCredentials = errors.New("missing bearer credential")

// Authenticator resolves the tenant of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWTAuthenticator verifies HS256 bearer tokens and reads the tenant from a claim.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	claim    string
}

// NewJWTAuthenticator creates an authenticator. An empty claim means "sub".
func NewJWTAuthenticator(secret []byte, issuer, audience, claim string) (*JWTAuthenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth secret must be at least 32 bytes")
	}
	if claim == "" {
		claim = "sub"
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer, audience: audience, claim: claim}, nil
}

// Authenticate implements Authenticator. The token is read from the
// Authorization header, or from the access_token query parameter on streams.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", errNoCredentials
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256(), a.secret),
		jwt.WithValidate(true),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return "", fmt.Errorf("invalid bearer credential: %w", err)
	}

	var tenant string
	if a.claim == "sub" {
		tenant, _ = tok.Subject()
	} else if err := tok.Get(a.claim, &tenant); err != nil {
		return "", fmt.Errorf("claim %s: %w", a.claim, err)
	}
	if tenant == "" {
		return "", fmt.Errorf("bearer credential names no tenant")
	}
	return tenant, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.URL.Path == eventsPath {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// HeaderAuthenticator trusts the X-Tenant-ID header. Development only.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	tenant := r.Header.Get(TenantHeader)
	if tenant == "" {
		tenant = r.URL.Query().Get("tenant")
	}
	if tenant == "" {
		return "", errNoCredentials
	}
	return tenant, nil
}

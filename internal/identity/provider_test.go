package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientID = "themegpt-web"

// fakeIssuer is a minimal OIDC issuer: discovery, JWKS and a token endpoint
// that answers any code with an ID token for idClaims.
type fakeIssuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu       sync.Mutex
	idClaims jwt.MapClaims
}

func (f *fakeIssuer) issue(c jwt.MapClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idClaims = c
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{
			"issuer":                                f.srv.URL,
			"authorization_endpoint":                f.srv.URL + "/authorize",
			"token_endpoint":                        f.srv.URL + "/token",
			"jwks_uri":                              f.srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		claims := f.idClaims
		f.mu.Unlock()

		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "test-key"
		signed, err := tok.SignedString(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeTestJSON(w, map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})
	f.srv = httptest.NewUnstartedServer(mux)
	f.srv.Start()
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIssuer) claims(nonce string, extra map[string]any) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss":   f.srv.URL,
		"sub":   "oidc-user-1",
		"aud":   testClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
		"email": "Person@Example.com",
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, f *fakeIssuer) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		IssuerURL:    f.srv.URL,
		ClientID:     testClientID,
		ClientSecret: "secret",
		RedirectURL:  "https://themegpt.ai/auth/callback",
	})
	require.NoError(t, err)
	return p
}

func TestOIDCProviderExchange(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f)

	authURL, err := url.Parse(p.AuthCodeURL("state-1", "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", authURL.Path)
	assert.Equal(t, "state-1", authURL.Query().Get("state"))
	assert.Equal(t, "nonce-1", authURL.Query().Get("nonce"))

	f.issue(f.claims("nonce-1", nil))
	id, err := p.Exchange(context.Background(), "code", "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "oidc-user-1", id.UserID)
	assert.Equal(t, "person@example.com", id.Email)
}

func TestOIDCProviderRejectsNonceMismatch(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f)

	f.issue(f.claims("nonce-1", nil))
	_, err := p.Exchange(context.Background(), "code", "nonce-2")
	require.Error(t, err)
}

func TestOIDCProviderRejectsForeignAudience(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f)

	f.issue(f.claims("nonce-1", map[string]any{"aud": "someone-else"}))
	_, err := p.Exchange(context.Background(), "code", "nonce-1")
	require.Error(t, err)
}

func TestOIDCProviderDropsUnverifiedEmail(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f)

	f.issue(f.claims("nonce-1", map[string]any{"email_verified": false}))
	id, err := p.Exchange(context.Background(), "code", "nonce-1")
	require.NoError(t, err)
	assert.Empty(t, id.Email)
}

func TestNewOIDCProviderDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := NewOIDCProvider(context.Background(), OIDCConfig{IssuerURL: srv.URL, ClientID: testClientID})
	require.Error(t, err)
}

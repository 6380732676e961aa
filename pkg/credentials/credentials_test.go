package credentials

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	p := NewStatic("abc")
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
	assert.Equal(t, config.SchemeToken, p.Scheme())

	_, err = NewStatic("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestNewSelectsScheme(t *testing.T) {
	p, err := New(config.Credentials{Scheme: config.SchemeToken, Token: "t"})
	require.NoError(t, err)
	assert.IsType(t, &Static{}, p)

	_, err = New(config.Credentials{Scheme: "kerberos"})
	assert.Error(t, err)

	_, err = New(config.Credentials{Scheme: config.SchemeClientAssertion, KeyFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func writeKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "agent.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return key, path
}

func TestClientAssertionExchangesAndCaches(t *testing.T) {
	key, keyFile := writeKey(t)
	var calls atomic.Int32

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, clientAssertionType, r.PostForm.Get("client_assertion_type"))

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), claims, func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		assert.NoError(t, err)
		assert.Equal(t, "agent-17", claims.Subject)
		assert.Equal(t, jwt.ClaimStrings{server.URL}, claims.Audience)

		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1", "expires_in": 3600})
	}))
	defer server.Close()

	p, err := NewClientAssertion("agent-17", keyFile, server.URL)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		token, err := p.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-1", token)
	}
	assert.Equal(t, int32(1), calls.Load(), "token should be cached")

	p.Invalidate()
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientAssertionRefreshesNearExpiry(t *testing.T) {
	key, _ := writeKey(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 120})
	}))
	defer server.Close()

	now := time.Now()
	p := newClientAssertion("agent", server.URL, key)
	p.now = func() time.Time { return now }

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientAssertionInvalidClient(t *testing.T) {
	key, _ := writeKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	p := newClientAssertion("agent", server.URL, key)
	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestClientAssertionServerError(t *testing.T) {
	key, _ := writeKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	p := newClientAssertion("agent", server.URL, key)
	_, err := p.Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidClient)
	assert.Contains(t, err.Error(), "502")
}

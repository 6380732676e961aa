package credentials

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	assertionLifetime = 5 * time.Minute
	// refresh a little before the server-side expiry
	expirySkew = time.Minute

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// ClientAssertion is the v2 scheme: the agent signs a JWT with its RSA key
// and exchanges it for an access token at the authorization URL.
type ClientAssertion struct {
	clientID string
	authURL  string
	key      *rsa.PrivateKey
	client   *http.Client
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClientAssertion loads the PEM-encoded RSA key from keyFile.
func NewClientAssertion(clientID, keyFile, authURL string) (*ClientAssertion, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading credential key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing credential key: %w", err)
	}
	return newClientAssertion(clientID, authURL, key), nil
}

func newClientAssertion(clientID, authURL string, key *rsa.PrivateKey) *ClientAssertion {
	return &ClientAssertion{
		clientID: clientID,
		authURL:  authURL,
		key:      key,
		client:   &http.Client{Timeout: 100 * time.Second},
		now:      time.Now,
	}
}

func (c *ClientAssertion) Scheme() string { return config.SchemeClientAssertion }

// Invalidate forgets the cached access token.
func (c *ClientAssertion) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// Token returns the cached access token or exchanges a new assertion.
func (c *ClientAssertion) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt.Add(-expirySkew)) {
		return c.token, nil
	}

	assertion, err := c.sign()
	if err != nil {
		return "", err
	}
	token, lifetime, err := c.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expiresAt = c.now().Add(lifetime)
	return token, nil
}

func (c *ClientAssertion) sign() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.clientID,
		Subject:   c.clientID,
		Audience:  jwt.ClaimStrings{c.authURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

func (c *ClientAssertion) exchange(ctx context.Context, assertion string) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}

	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK {
		if tr.Error == "invalid_client" {
			return "", 0, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrInvalidClient)
		}
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint returned no access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return tr.AccessToken, lifetime, nil
}

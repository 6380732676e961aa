// Package credentials supplies short-lived bearer tokens to the
// control-plane client.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/config"
)

var (
	// ErrInvalidClient means the authorization server rejected the agent's
	// client credentials. Retrying will not help.
	ErrInvalidClient = errors.New("invalid_client")
	// ErrNoToken means the provider has no token to offer
	ErrNoToken = errors.New("no credential available")
)

// Provider hands out the bearer token for the next control-plane call.
type Provider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops any cached token so the next Token call fetches a
	// fresh one.
	Invalidate()
	Scheme() string
}

// New builds the provider selected by the settings' credential scheme.
func New(c config.Credentials) (Provider, error) {
	switch c.Scheme {
	case config.SchemeToken:
		return NewStatic(c.Token), nil
	case config.SchemeClientAssertion:
		return NewClientAssertion(c.ClientID, c.KeyFile, c.AuthorizationURL)
	default:
		return nil, fmt.Errorf("unsupported credential scheme %q", c.Scheme)
	}
}

// Static is the v1 scheme: a fixed token from the settings file.
type Static struct {
	token string
}

// NewStatic returns a provider that always yields token.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *Static) Invalidate() {}

func (s *Static) Scheme() string { return config.SchemeToken }

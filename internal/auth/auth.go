// Package auth obtains the bearer credentials the harness hands to the
// pipeline control plane and the batch registry.
package auth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ChuLiYu/flink-harness/pkg/types"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentials describes an OAuth2 client-credentials grant.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Audience is sent as the "audience" form parameter when non-empty.
	Audience string
}

// Provider hands out credentials from a token source. Tokens are cached and
// refreshed by the underlying oauth2 source.
type Provider struct {
	ts oauth2.TokenSource
}

// NewClientCredentialsProvider builds a provider for cfg.
func NewClientCredentialsProvider(ctx context.Context, cfg ClientCredentials) (*Provider, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("auth: token url and client id are required")
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	if cfg.Audience != "" {
		cc.EndpointParams = url.Values{"audience": {cfg.Audience}}
	}
	return &Provider{ts: oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))}, nil
}

// NewStaticProvider always returns token.
func NewStaticProvider(token string) *Provider {
	return &Provider{ts: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})}
}

// Credential returns a currently valid credential.
func (p *Provider) Credential() (types.Credential, error) {
	tok, err := p.ts.Token()
	if err != nil {
		return "", fmt.Errorf("auth: failed to obtain token: %w", err)
	}
	return types.Credential(tok.AccessToken), nil
}

// Package auth provides credential helpers for sync operations.
// It adapts a single set of caller-supplied credentials to the two transports
// the engine uses: go-git's transport.AuthMethod for fetch/push, and plain
// HTTP headers for large-object transfers.
package auth

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Credentials is a username/password or token pair. For token-based
// providers (GitHub, GitLab, Bitbucket) put the token in Password and leave
// Username empty or set it to "token".
type Credentials struct {
	Username string
	Password string
}

// Provider resolves go-git auth methods and transfer headers from one set of
// credentials, restricted to HTTPS remotes.
type Provider struct {
	creds Credentials
}

// NewProvider builds a Provider from credentials. A zero Credentials value
// yields a provider that authenticates nothing.
func NewProvider(creds Credentials) *Provider {
	if creds.Username == "" && creds.Password != "" {
		creds.Username = "token"
	}
	return &Provider{creds: creds}
}

// Method returns the authentication method for the given remote URL.
// Returns nil when no credentials are configured.
//
//nolint:ireturn // go-git requires returning transport.AuthMethod interface
func (p *Provider) Method(remoteURL string) (transport.AuthMethod, error) {
	if p.creds.Password == "" && p.creds.Username == "" {
		return nil, nil
	}

	parsed, err := url.Parse(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("credential auth supports http(s) URLs, got %s", parsed.Scheme)
	}

	return &githttp.BasicAuth{
		Username: p.creds.Username,
		Password: p.creds.Password,
	}, nil
}

// TransferHeader returns the headers attached to batch and transfer requests
// against the large-object endpoint. Empty when no credentials are
// configured.
func (p *Provider) TransferHeader() map[string]string {
	if p.creds.Password == "" && p.creds.Username == "" {
		return nil
	}

	token := base64.StdEncoding.EncodeToString(
		[]byte(p.creds.Username + ":" + p.creds.Password))
	return map[string]string{
		"Authorization": "Basic " + token,
	}
}

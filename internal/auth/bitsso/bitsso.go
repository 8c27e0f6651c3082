// Package bitsso provides the login collaborator for the credential-based
// iBit backend. The relay core only depends on the Authenticator capability
// pair: performing a login handshake and judging whether a credential is
// still usable. The identity-provider protocol itself stays behind this
// boundary.
package bitsso

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"
)

// Credential is an authenticated badge token issued by the identity
// provider. At most one valid value exists process-wide at a time.
type Credential struct {
	// Badge is the opaque token presented to the iBit platform.
	Badge string
	// ExpiresAt is when the badge stops being usable.
	ExpiresAt time.Time
}

// Authenticator is the capability set the credential-based backend requires
// from the identity collaborator.
type Authenticator interface {
	// Login performs the handshake and returns a fresh credential.
	Login(ctx context.Context) (Credential, error)
	// IsExpired reports whether the credential should no longer be used.
	IsExpired(cred Credential) bool
}

// expiryMargin retires a badge slightly early so in-flight requests do not
// race the provider-side expiry.
const expiryMargin = 30 * time.Second

// defaultBadgeTTL applies when the provider response carries no usable
// cookie expiry.
const defaultBadgeTTL = 30 * time.Minute

// badgeCookieName is the cookie the provider sets on a successful login.
const badgeCookieName = "badge_2"

// Client is the HTTP implementation of Authenticator against the campus
// single-sign-on endpoint.
type Client struct {
	httpClient *http.Client
	loginURL   string
	username   string
	password   string
	badgeTTL   time.Duration
}

// Option customises Client construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBadgeTTL overrides the fallback badge lifetime.
func WithBadgeTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.badgeTTL = ttl
		}
	}
}

// NewClient builds an SSO client for the given account.
func NewClient(loginURL, username, password string, opts ...Option) (*Client, error) {
	if loginURL == "" {
		return nil, fmt.Errorf("bitsso: login URL is required")
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("bitsso: username and password are required")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		loginURL:   loginURL,
		username:   username,
		password:   password,
		badgeTTL:   defaultBadgeTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login submits the account credentials and extracts the badge cookie from
// the provider response.
func (c *Client) Login(ctx context.Context) (Credential, error) {
	payload, _ := sjson.Set(`{"username":"","password":""}`, "username", c.username)
	payload, _ = sjson.Set(payload, "password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewBufferString(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("bitsso: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("bitsso: login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("bitsso: login rejected with status %d", resp.StatusCode)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name != badgeCookieName || cookie.Value == "" {
			continue
		}
		expires := cookie.Expires
		if expires.IsZero() {
			expires = time.Now().Add(c.badgeTTL)
		}
		return Credential{Badge: cookie.Value, ExpiresAt: expires}, nil
	}
	return Credential{}, fmt.Errorf("bitsso: login response carried no %s cookie", badgeCookieName)
}

// IsExpired reports whether the badge is missing or within the expiry
// margin.
func (c *Client) IsExpired(cred Credential) bool {
	if cred.Badge == "" {
		return true
	}
	return !time.Now().Add(expiryMargin).Before(cred.ExpiresAt)
}

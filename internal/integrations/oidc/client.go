// Package oidc talks to the external identity provider: discovery,
// authorization URLs and the authorization-code and refresh-token grants.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const wellKnownPath = "/.well-known/openid-configuration"

// Endpoints are the parts of the provider metadata this service uses.
type Endpoints struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// Tokens is the result of a token-endpoint call. RefreshToken is empty when
// the provider did not issue a new one.
type Tokens struct {
	IDToken      string
	RefreshToken string
}

// HTTPStatusError captures non-2xx responses from the identity provider.
// The body is kept for logs only and is not part of Error().
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("oidc: unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is an identity provider client. Discovered endpoints are cached per
// issuer for the process lifetime; losing the cache only costs a refetch.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]Endpoints
	group singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client with a 10s HTTP timeout unless overridden.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		cache:      map[string]Endpoints{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DiscoverEndpoints resolves the provider's authorization and token
// endpoints from its well-known configuration document.
func (c *Client) DiscoverEndpoints(ctx context.Context, issuerURL string) (Endpoints, error) {
	issuer := strings.TrimRight(strings.TrimSpace(issuerURL), "/")
	if issuer == "" {
		return Endpoints{}, errors.New("oidc: issuer url must not be empty")
	}

	c.mu.RLock()
	ep, ok := c.cache[issuer]
	c.mu.RUnlock()
	if ok {
		return ep, nil
	}

	v, err, _ := c.group.Do(issuer, func() (interface{}, error) {
		return c.fetchEndpoints(ctx, issuer)
	})
	if err != nil {
		return Endpoints{}, err
	}
	return v.(Endpoints), nil
}

func (c *Client) fetchEndpoints(ctx context.Context, issuer string) (Endpoints, error) {
	url := issuer + wellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Endpoints{}, fmt.Errorf("oidc: create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Endpoints{}, fmt.Errorf("oidc: discovery request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Endpoints{}, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	var ep Endpoints
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&ep); err != nil {
		return Endpoints{}, fmt.Errorf("oidc: decode discovery document: %w", err)
	}
	if ep.AuthorizationEndpoint == "" || ep.TokenEndpoint == "" {
		return Endpoints{}, errors.New("oidc: discovery document is missing endpoints")
	}

	c.mu.Lock()
	c.cache[issuer] = ep
	c.mu.Unlock()

	c.logger.Debug("discovered identity provider endpoints", "stage", "oidc_discovery", "issuer", issuer)
	return ep, nil
}

// ExchangeCode redeems an authorization code at the token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, ep Endpoints, code, clientID, clientSecret, redirectURL string) (Tokens, error) {
	if strings.TrimSpace(code) == "" {
		return Tokens{}, errors.New("oidc: authorization code must not be empty")
	}
	cfg := oauthConfig(ep, clientID, clientSecret, redirectURL, nil)

	tok, err := cfg.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return Tokens{}, c.tokenError("exchange code", ep.TokenEndpoint, err)
	}
	return tokensFrom(tok, "")
}

// Refresh redeems a refresh token. When the provider answers without a new
// refresh token the returned Tokens.RefreshToken is empty; whether the old
// one stays usable is the caller's policy.
func (c *Client) Refresh(ctx context.Context, ep Endpoints, refreshToken, clientID, clientSecret string) (Tokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Tokens{}, errors.New("oidc: refresh token must not be empty")
	}
	cfg := oauthConfig(ep, clientID, clientSecret, "", nil)

	tok, err := cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Tokens{}, c.tokenError("refresh token", ep.TokenEndpoint, err)
	}
	return tokensFrom(tok, refreshToken)
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) tokenError(op, url string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		c.logger.Debug("token endpoint rejected request", "stage", "oidc_"+strings.ReplaceAll(op, " ", "_"), "status", re.Response.StatusCode, "error_code", re.ErrorCode)
		return fmt.Errorf("oidc: %s: %w", op, &HTTPStatusError{StatusCode: re.Response.StatusCode, URL: url, Body: string(re.Body)})
	}
	return fmt.Errorf("oidc: %s: %w", op, err)
}

// tokensFrom extracts the id token. The oauth2 package carries the previous
// refresh token forward when a refresh response omits one, so an unchanged
// value is reported as "not issued".
func tokensFrom(tok *oauth2.Token, previousRefresh string) (Tokens, error) {
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return Tokens{}, errors.New("oidc: token response has no id_token")
	}
	refresh := tok.RefreshToken
	if previousRefresh != "" && refresh == previousRefresh {
		refresh = ""
	}
	return Tokens{IDToken: idToken, RefreshToken: refresh}, nil
}

func oauthConfig(ep Endpoints, clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthorizationEndpoint,
			TokenURL:  ep.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

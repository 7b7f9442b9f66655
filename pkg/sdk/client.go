// Package sdk is the vendor client for the payment trust plane. It handles
// credential-to-token exchange, caches the token for its lifetime, and
// refreshes it before expiry, so integrating code never touches the
// authentication endpoints directly.
//
//	client := sdk.NewClient(sdk.Config{
//	    FacadeURL:    "https://pay.example.com",
//	    ClientID:     "vendor-A",
//	    ClientSecret: os.Getenv("PAYGRID_CLIENT_SECRET"),
//	})
//	resp, err := client.Do(ctx, req) // bearer attached automatically
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// FacadeURL is the trust-plane façade endpoint (required).
	FacadeURL string

	// ClientID and ClientSecret are the vendor credentials (required).
	ClientID     string
	ClientSecret string

	// Timeout bounds each HTTP call (default 10s).
	Timeout time.Duration

	// RefreshMargin is how long before expiry a cached token is refreshed
	// (default 60s).
	RefreshMargin time.Duration
}

// Client exchanges credentials for tokens and signs requests with them.
// Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewClient builds a trust-plane client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = time.Minute
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
}

// Authenticate trades the configured credentials for a token and caches it.
// Most callers never need this directly; Do and Bearer authenticate lazily.
func (c *Client) Authenticate(ctx context.Context) (*Token, error) {
	body, err := json.Marshal(map[string]string{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.FacadeURL+"/authenticate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	tok, err := c.tokenCall(req)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// Bearer returns a live token, authenticating or refreshing as needed.
func (c *Client) Bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	if !tok.Expired(c.now(), c.cfg.RefreshMargin) {
		return tok.Raw, nil
	}

	// Prefer a refresh while the old token is still accepted; fall back to a
	// full re-authentication.
	if tok != nil && tok.Raw != "" {
		if refreshed, err := c.Refresh(ctx, tok.Raw); err == nil {
			return refreshed.Raw, nil
		}
	}
	fresh, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return fresh.Raw, nil
}

// Refresh trades raw for a fresh token and caches it.
func (c *Client) Refresh(ctx context.Context, raw string) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.FacadeURL+"/tokens/refresh", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+raw)

	tok, err := c.tokenCall(req)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// Validate asks the façade to verify a token, optionally against a required
// permission.
func (c *Client) Validate(ctx context.Context, raw, requiredPermission string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.FacadeURL+"/tokens/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+raw)
	if requiredPermission != "" {
		req.Header.Set("X-Required-Permission", requiredPermission)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Both 2xx and rejection envelopes describe the token; normalize the
	// envelope case into a Validation.
	if resp.StatusCode == http.StatusOK {
		var v Validation
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("decode validation: %w", err)
		}
		return &v, nil
	}
	apiErr := decodeAPIError(resp)
	return &Validation{Valid: false, Status: apiErr.ErrorCode}, nil
}

// Do sends req to the façade with a live bearer token attached. On a 401 the
// cached token is dropped and the request retried once with a fresh one.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	bearer, err := c.Bearer(ctx)
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	send := func(tok string) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if body != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(body))
		}
		attempt.Header.Set("Authorization", "Bearer "+tok)
		return c.http.Do(attempt)
	}

	resp, err := send(bearer)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	fresh, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return send(fresh.Raw)
}

// tokenCall executes a request expected to return a token response.
func (c *Client) tokenCall(req *http.Request) (*Token, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	tok := &Token{Raw: body.Token}
	if t, err := time.Parse(time.RFC3339, body.ExpiresAt); err == nil {
		tok.ExpiresAt = t
	}
	return tok, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, apiErr) != nil || apiErr.ErrorCode == "" {
		apiErr.ErrorCode = "HTTP_" + fmt.Sprint(resp.StatusCode)
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FacadeRenewer renews tokens against the façade's refresh endpoint. The
// processor holds no signing authority of its own; only the façade mints.
type FacadeRenewer struct {
	baseURL string
	client  *http.Client
}

// NewFacadeRenewer points a renewer at the façade. client may be nil for a
// default with a short timeout.
func NewFacadeRenewer(baseURL string, client *http.Client) *FacadeRenewer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &FacadeRenewer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type refreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// Renew trades raw for a fresh token.
func (f *FacadeRenewer) Renew(ctx context.Context, raw string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/tokens/refresh", nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+raw)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, fmt.Errorf("refresh rejected: status %d", resp.StatusCode)
	}

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if body.Token == "" {
		return "", time.Time{}, fmt.Errorf("refresh response missing token")
	}
	expiresAt, err := time.Parse(time.RFC3339, body.ExpiresAt)
	if err != nil {
		expiresAt = time.Time{}
	}
	return body.Token, expiresAt, nil
}

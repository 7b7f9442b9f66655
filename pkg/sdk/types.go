package sdk

import "time"

// Token is an issued bearer token and its expiry.
type Token struct {
	Raw       string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now, with margin
// subtracted so callers refresh slightly early.
func (t *Token) Expired(now time.Time, margin time.Duration) bool {
	if t == nil || t.Raw == "" {
		return true
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}

// Validation is the façade's answer for one token.
type Validation struct {
	Valid             bool   `json:"valid"`
	Status            string `json:"status"`
	Subject           string `json:"subject,omitempty"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	MissingPermission string `json:"missingPermission,omitempty"`
}

// APIError is the uniform error envelope every trust-plane endpoint returns.
type APIError struct {
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.ErrorCode + ": " + e.Message
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	TokenType string `json:"tokenType"`
}

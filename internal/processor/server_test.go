package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygrid/trustplane/internal/token"
)

var processorTestSecret = []byte("fedcba9876543210fedcba9876543210")

// fakeRenewer hands back a canned token and records what it was asked to
// renew.
type fakeRenewer struct {
	mu     sync.Mutex
	newRaw string
	err    error
	calls  []string
}

func (f *fakeRenewer) Renew(_ context.Context, raw string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, raw)
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.newRaw, time.Time{}, nil
}

func (f *fakeRenewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(clock clockwork.Clock) *token.Engine {
	return token.NewEngine(token.Config{
		Issuer:           "trustplane-facade",
		Audience:         "payment-processor",
		TTL:              time.Hour,
		Skew:             time.Minute,
		RenewalEnabled:   true,
		RenewalThreshold: 5 * time.Minute,
	}, &token.StaticResolver{Material: token.KeyMaterial{KeyID: "k1", Secret: processorTestSecret}}, clock)
}

func newProcessor(t *testing.T, clock clockwork.Clock, renewer Renewer) (*Server, *token.Engine) {
	t.Helper()
	eng := newTestEngine(clock)
	v := NewValidator(eng, renewer, nil, nil, nil)
	return NewServer(v, eng, renewer, nil, nil), eng
}

func mintRaw(t *testing.T, eng *token.Engine, perms []string) string {
	t.Helper()
	tok, err := eng.Mint(context.Background(), "vendor-A", perms, 0)
	require.NoError(t, err)
	return tok.Raw
}

func doBearer(router http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPaymentRequiresToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv, _ := newProcessor(t, clock, nil)

	rec := doBearer(srv.Router(), http.MethodPost, "/internal/v1/payments", "",
		map[string]any{"amount": 100, "currency": "USD"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "AUTH_ERROR", envelope["errorCode"])
}

func TestPaymentLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv, eng := newProcessor(t, clock, nil)
	router := srv.Router()
	raw := mintRaw(t, eng, []string{"process_payment", "view_status", "refund_payment"})

	rec := doBearer(router, http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 2500, "currency": "USD", "reference": "order-77"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "vendor-A", created.ClientID)
	assert.Equal(t, "accepted", created.Status)

	rec = doBearer(router, http.MethodGet, "/internal/v1/payments/"+created.ID, raw, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doBearer(router, http.MethodPost, "/internal/v1/payments/"+created.ID+"/refund", raw, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var refunded payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refunded))
	assert.Equal(t, "refunded", refunded.Status)
}

func TestPaymentHiddenFromOtherClients(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv, eng := newProcessor(t, clock, nil)
	router := srv.Router()

	raw := mintRaw(t, eng, []string{"process_payment", "view_status"})
	rec := doBearer(router, http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "EUR"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	other, err := eng.Mint(context.Background(), "vendor-B", []string{"view_status"}, 0)
	require.NoError(t, err)
	rec = doBearer(router, http.MethodGet, "/internal/v1/payments/"+created.ID, other.Raw, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "payments are scoped to the minting client")
}

func TestCapabilityEnforcedPerRoute(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv, eng := newProcessor(t, clock, nil)
	router := srv.Router()

	// A view-only token may read but not create.
	raw := mintRaw(t, eng, []string{"view_status"})
	rec := doBearer(router, http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "USD"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", envelope["errorCode"])
}

func TestGarbageTokenRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv, _ := newProcessor(t, clock, nil)

	rec := doBearer(srv.Router(), http.MethodPost, "/internal/v1/payments", "not.a.jwt",
		map[string]any{"amount": 100, "currency": "USD"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "INVALID_TOKEN", envelope["errorCode"])
}

func TestRenewalOnUseNearExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	renewer := &fakeRenewer{newRaw: "fresh-token"}
	srv, eng := newProcessor(t, clock, renewer)
	router := srv.Router()
	raw := mintRaw(t, eng, []string{"process_payment"})

	// Into the renewal window: still valid, close to expiry.
	clock.Advance(56 * time.Minute)
	rec := doBearer(router, http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "USD"})
	require.Equal(t, http.StatusCreated, rec.Code, "the request proceeds on the presented token")
	assert.Equal(t, "fresh-token", rec.Header().Get(RenewedTokenHeader))
	assert.Equal(t, []string{raw}, renewer.calls)
}

func TestRenewalFailureDoesNotBlockValidToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	renewer := &fakeRenewer{err: errors.New("facade down")}
	srv, eng := newProcessor(t, clock, renewer)
	raw := mintRaw(t, eng, []string{"process_payment"})

	clock.Advance(56 * time.Minute)
	rec := doBearer(srv.Router(), http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "USD"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(RenewedTokenHeader))
}

func TestExpiredTokenGetsOneRenewalAttempt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	renewer := &fakeRenewer{}
	srv, eng := newProcessor(t, clock, renewer)
	router := srv.Router()
	raw := mintRaw(t, eng, []string{"process_payment"})

	// Past expiry plus skew, but inside the post-expiry grace. The renewer
	// hands back a genuinely valid replacement.
	clock.Advance(time.Hour + 2*time.Minute)
	replacement := mintRaw(t, eng, []string{"process_payment"})
	renewer.newRaw = replacement

	rec := doBearer(router, http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "USD"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, replacement, rec.Header().Get(RenewedTokenHeader))
	assert.Equal(t, 1, renewer.callCount())
}

func TestExpiredTokenRenewalDeclined(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	renewer := &fakeRenewer{err: errors.New("not renewable")}
	srv, eng := newProcessor(t, clock, renewer)
	raw := mintRaw(t, eng, []string{"process_payment"})

	clock.Advance(time.Hour + 2*time.Minute)
	rec := doBearer(srv.Router(), http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "USD"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, renewer.callCount(), "exactly one renewal attempt, then rejection")
}

func TestLongExpiredTokenNotRenewed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	renewer := &fakeRenewer{newRaw: "should-not-be-used"}
	srv, eng := newProcessor(t, clock, renewer)
	raw := mintRaw(t, eng, []string{"process_payment"})

	clock.Advance(24 * time.Hour)
	rec := doBearer(srv.Router(), http.MethodPost, "/internal/v1/payments", raw,
		map[string]any{"amount": 100, "currency": "USD"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, renewer.callCount(), "far-expired tokens are dead, not renewable")
}

func TestValidateEndpoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv, eng := newProcessor(t, clock, nil)
	router := srv.Router()
	raw := mintRaw(t, eng, []string{"view_status"})

	rec := doBearer(router, http.MethodPost, "/internal/v1/tokens/validate", raw, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, "VALID", resp.Status)
	assert.Equal(t, "vendor-A", resp.Subject)

	// Permission check is reported, not enforced, on this endpoint.
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/tokens/validate", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("X-Required-Permission", "process_payment")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, "FORBIDDEN", resp.Status)
	assert.Equal(t, "process_payment", resp.MissingPermission)
}

func TestRenewEndpoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	renewer := &fakeRenewer{newRaw: "fresh-token"}
	srv, eng := newProcessor(t, clock, renewer)
	raw := mintRaw(t, eng, []string{"view_status"})

	rec := doBearer(srv.Router(), http.MethodPost, "/internal/v1/tokens/renew", raw, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fresh-token", resp["token"])
}

func TestFacadeRenewerRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokens/refresh", r.URL.Path)
		require.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"token":     "new-token",
			"expiresAt": "2025-06-01T13:00:00Z",
			"tokenType": "Bearer",
		})
	}))
	defer upstream.Close()

	renewer := NewFacadeRenewer(upstream.URL, nil)
	newRaw, expiresAt, err := renewer.Renew(context.Background(), "old-token")
	require.NoError(t, err)
	assert.Equal(t, "new-token", newRaw)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), expiresAt)
}

func TestFacadeRenewerRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errorCode":"INVALID_TOKEN"}`, http.StatusUnauthorized)
	}))
	defer upstream.Close()

	renewer := NewFacadeRenewer(upstream.URL, nil)
	_, _, err := renewer.Renew(context.Background(), "dead-token")
	assert.Error(t, err)
}

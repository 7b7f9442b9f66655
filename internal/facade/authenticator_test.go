package facade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygrid/trustplane/internal/cache"
	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/middleware"
	"github.com/paygrid/trustplane/internal/token"
	"github.com/paygrid/trustplane/internal/vault"
)

// fakeEngine mints deterministic tokens and counts how often it is asked to.
type fakeEngine struct {
	clock   clockwork.Clock
	mints   atomic.Int64
	mintErr error
}

func (f *fakeEngine) Mint(_ context.Context, subject string, permissions []string, ttl time.Duration) (*token.Token, error) {
	if f.mintErr != nil {
		return nil, f.mintErr
	}
	f.mints.Add(1)
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := f.clock.Now()
	jti := uuid.NewString()
	return &token.Token{
		JTI:         jti,
		Raw:         "raw." + jti,
		ClientID:    subject,
		KeyID:       "k1",
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

func (f *fakeEngine) Verify(context.Context, string, token.VerifyOptions) token.Outcome {
	return token.Outcome{Status: token.StatusMalformed}
}

func (f *fakeEngine) RenewableAfterExpiry(*token.View) bool { return false }

// fakeCreds serves fixed metadata and can simulate store outage.
type fakeCreds struct {
	mu       sync.Mutex
	meta     *credential.Metadata
	degraded bool
	err      error
	resolves int
}

func (f *fakeCreds) Resolve(context.Context, string) (*credential.Metadata, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.err != nil {
		return nil, false, f.err
	}
	return f.meta, f.degraded, nil
}

func testMetadata(t *testing.T, clientID, secret string, version int) *credential.Metadata {
	t.Helper()
	hash, err := credential.HashSecret(secret)
	require.NoError(t, err)
	return &credential.Metadata{
		ClientID:  clientID,
		FetchedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Versions: []credential.Version{
			{Number: version, SecretHash: hash, Role: credential.RoleMerchant},
		},
	}
}

func newTestAuthenticator(t *testing.T, eng TokenEngine, creds CredentialSource, clock clockwork.Clock) (*Authenticator, cache.TokenCache) {
	t.Helper()
	tc := cache.NewMemory(time.Hour, clock)
	auth := NewAuthenticator(eng, creds, tc, nil, nil, nil, 5*time.Minute, clock, nil)
	return auth, tc
}

func TestAuthenticateHappyPath(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	tok, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	require.NoError(t, err)
	assert.Equal(t, "vendor-A", tok.ClientID)
	assert.Equal(t, 1, tok.Version)
	assert.Equal(t, credential.Fingerprint("vendor-A", 1), tok.Fingerprint)
	assert.Equal(t, []string{"process_payment", "view_status"}, tok.Permissions)
	assert.Equal(t, clock.Now().Add(time.Hour), tok.ExpiresAt)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	_, err := auth.Authenticate(context.Background(), "vendor-A", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, eng.mints.Load(), "no token may be minted for a bad secret")
}

func TestAuthenticateUnknownClient(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{err: credential.ErrUnknownClient}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	_, err := auth.Authenticate(context.Background(), "ghost", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateStoreDown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{err: vault.ErrUnavailable}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	_, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAuthenticateDegradedServesFromCachedMetadata(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1), degraded: true}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	tok, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	require.NoError(t, err, "fresh cached metadata must ride out a store outage")
	assert.Equal(t, "vendor-A", tok.ClientID)
}

func TestAuthenticateDualActiveVersions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}

	oldHash, err := credential.HashSecret("old-secret")
	require.NoError(t, err)
	newHash, err := credential.HashSecret("new-secret")
	require.NoError(t, err)
	creds := &fakeCreds{meta: &credential.Metadata{
		ClientID:  "vendor-A",
		FetchedAt: clock.Now(),
		Versions: []credential.Version{
			{Number: 2, SecretHash: newHash, Role: credential.RoleMerchant},
			{Number: 1, SecretHash: oldHash, Role: credential.RoleMerchant},
		},
	}}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	oldTok, err := auth.Authenticate(context.Background(), "vendor-A", "old-secret")
	require.NoError(t, err)
	assert.Equal(t, 1, oldTok.Version)

	newTok, err := auth.Authenticate(context.Background(), "vendor-A", "new-secret")
	require.NoError(t, err)
	assert.Equal(t, 2, newTok.Version)

	assert.NotEqual(t, oldTok.Fingerprint, newTok.Fingerprint,
		"each version mints under its own fingerprint")
}

func TestAtMostOneMintPerFingerprint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	const n = 32
	var wg sync.WaitGroup
	tokens := make([]*token.Token, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), eng.mints.Load(), "concurrent identical authentications must share one mint")
	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0].JTI, tokens[i].JTI)
	}
}

func TestCachedTokenReusedAcrossCalls(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	first, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	require.NoError(t, err)
	second, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	require.NoError(t, err)

	assert.Equal(t, first.JTI, second.JTI)
	assert.Equal(t, int64(1), eng.mints.Load())

	// Once the cached token dies, the next authentication mints fresh.
	clock.Advance(2 * time.Hour)
	third, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, first.JTI, third.JTI)
	assert.Equal(t, int64(2), eng.mints.Load())
}

func TestRateLimitBeforeVaultTraffic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	limiter := middleware.NewRateLimiter(2, 4, clock)
	tc := cache.NewMemory(time.Hour, clock)
	auth := NewAuthenticator(eng, creds, tc, limiter, nil, nil, 5*time.Minute, clock, nil)

	_, err := auth.Authenticate(context.Background(), "vendor-A", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(context.Background(), "vendor-A", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	resolvesBefore := creds.resolves
	_, err = auth.Authenticate(context.Background(), "vendor-A", "wrong")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, resolvesBefore, creds.resolves, "limited requests must not reach the store")
}

func TestSigningKeyUnavailable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock, mintErr: errors.New("signing key unreachable")}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	_, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	assert.ErrorIs(t, err, ErrUnavailable, "no signature, no authentication")
}

func TestCredentialMetadataCachedClusterWide(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{clock: clock}
	creds := &fakeCreds{meta: testMetadata(t, "vendor-A", "s3cret!", 1)}
	auth, _ := newTestAuthenticator(t, eng, creds, clock)

	_, err := auth.Authenticate(context.Background(), "vendor-A", "s3cret!")
	require.NoError(t, err)
	_, err = auth.Authenticate(context.Background(), "vendor-A", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Equal(t, 1, creds.resolves, "second call must hit the credential cache")
}

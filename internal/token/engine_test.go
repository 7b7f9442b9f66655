package token

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func staticKeys(kid string, secret []byte) *StaticResolver {
	return &StaticResolver{Material: KeyMaterial{KeyID: kid, Secret: secret}}
}

func testEngineConfig(skew time.Duration) Config {
	return Config{
		Issuer:           "trustplane-facade",
		Audience:         "payment-processor",
		TTL:              time.Hour,
		Skew:             skew,
		RenewalEnabled:   true,
		RenewalThreshold: 5 * time.Minute,
	}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(testEngineConfig(time.Minute), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", []string{"process_payment", "view_status"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, tok.JTI)
	assert.Equal(t, "client-1", tok.ClientID)
	assert.Equal(t, "k1", tok.KeyID)
	assert.Equal(t, clock.Now().Add(time.Hour), tok.ExpiresAt)

	out := eng.Verify(context.Background(), tok.Raw, VerifyOptions{})
	require.Equal(t, StatusValid, out.Status)
	require.NotNil(t, out.Token)
	assert.Equal(t, tok.JTI, out.Token.JTI)
	assert.Equal(t, []string{"process_payment", "view_status"}, out.Token.Permissions)
	assert.True(t, out.Valid())
}

func TestSkewWindows(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := base.Add(time.Hour)

	for _, skewSec := range []int{0, 30, 60} {
		skew := time.Duration(skewSec) * time.Second
		t.Run(fmt.Sprintf("skew_%ds", skewSec), func(t *testing.T) {
			keys := staticKeys("k1", testSecret)
			cfg := testEngineConfig(skew)

			minter := NewEngine(cfg, keys, clockwork.NewFakeClockAt(base))
			tok, err := minter.Mint(context.Background(), "client-1", nil, 0)
			require.NoError(t, err)

			probe := func(at time.Time) Status {
				verifier := NewEngine(cfg, keys, clockwork.NewFakeClockAt(at))
				return verifier.Verify(context.Background(), tok.Raw, VerifyOptions{}).Status
			}

			// interior of the lifetime
			assert.Equal(t, StatusValid, probe(base.Add(time.Minute)))
			assert.Equal(t, StatusValid, probe(exp.Add(-time.Second)))

			// grace after expiry: accepted strictly inside the window
			if skewSec > 0 {
				assert.Equal(t, StatusValid, probe(exp.Add(skew-time.Second)))
			}
			assert.Equal(t, StatusExpired, probe(exp.Add(skew)))
			assert.Equal(t, StatusExpired, probe(exp.Add(skew+time.Minute)))

			// issued-at up to skew in the future is tolerated
			assert.Equal(t, StatusValid, probe(base.Add(-skew)))
			assert.Equal(t, StatusMalformed, probe(base.Add(-skew-time.Second)))
		})
	}
}

func TestExpiredOutcomeCarriesView(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", []string{"view_status"}, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	out := eng.Verify(context.Background(), tok.Raw, VerifyOptions{})
	require.Equal(t, StatusExpired, out.Status)
	require.NotNil(t, out.View)
	assert.Equal(t, tok.JTI, out.View.JTI)
	assert.Equal(t, "client-1", out.View.Subject)
}

func TestWrongAudienceRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", nil, 0)
	require.NoError(t, err)

	out := eng.Verify(context.Background(), tok.Raw, VerifyOptions{Audience: "some-other-service"})
	assert.Equal(t, StatusUntrustedAudience, out.Status)
}

func TestIssuerAcceptList(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := staticKeys("k1", testSecret)

	legacyCfg := testEngineConfig(0)
	legacyCfg.Issuer = "legacy-gateway"
	legacy := NewEngine(legacyCfg, keys, clock)

	tok, err := legacy.Mint(context.Background(), "client-1", nil, 0)
	require.NoError(t, err)

	verifier := NewEngine(testEngineConfig(0), keys, clock)

	out := verifier.Verify(context.Background(), tok.Raw, VerifyOptions{})
	assert.Equal(t, StatusUntrustedIssuer, out.Status)

	out = verifier.Verify(context.Background(), tok.Raw, VerifyOptions{
		AcceptedIssuers: []string{"trustplane-facade", "legacy-gateway"},
	})
	assert.Equal(t, StatusValid, out.Status)
}

func TestForgedSignatureRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()

	// Forger holds a different secret under the same key id.
	forger := NewEngine(testEngineConfig(0), staticKeys("k1", []byte("attacker-secret-attacker-secret!")), clock)
	tok, err := forger.Mint(context.Background(), "client-1", []string{"process_payment"}, 0)
	require.NoError(t, err)

	verifier := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)
	out := verifier.Verify(context.Background(), tok.Raw, VerifyOptions{})
	assert.Equal(t, StatusSignatureMismatch, out.Status)
}

func TestUnknownKeyIDRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()

	old := NewEngine(testEngineConfig(0), staticKeys("k9", testSecret), clock)
	tok, err := old.Mint(context.Background(), "client-1", nil, 0)
	require.NoError(t, err)

	verifier := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)
	out := verifier.Verify(context.Background(), tok.Raw, VerifyOptions{})
	assert.Equal(t, StatusSignatureMismatch, out.Status)
	assert.Contains(t, out.Reason, "unknown key")
}

func TestPreviousKeyGraceWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oldSecret := testSecret
	newSecret := []byte("fedcba9876543210fedcba9876543210")

	minter := NewEngine(testEngineConfig(0), staticKeys("k1", oldSecret), clock)
	tok, err := minter.Mint(context.Background(), "client-1", nil, 0)
	require.NoError(t, err)

	// After rotation the verifier holds k2 as current and k1 as previous.
	rotated := &StaticResolver{Material: KeyMaterial{
		KeyID: "k2", Secret: newSecret,
		PrevKeyID: "k1", PrevSecret: oldSecret,
	}}
	verifier := NewEngine(testEngineConfig(0), rotated, clock)
	out := verifier.Verify(context.Background(), tok.Raw, VerifyOptions{})
	assert.Equal(t, StatusValid, out.Status)

	// Once the previous key is dropped, old tokens die with it.
	dropped := NewEngine(testEngineConfig(0), staticKeys("k2", newSecret), clock)
	out = dropped.Verify(context.Background(), tok.Raw, VerifyOptions{})
	assert.Equal(t, StatusSignatureMismatch, out.Status)
}

func TestGarbageTokenIsMalformed(t *testing.T) {
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clockwork.NewFakeClock())
	out := eng.Verify(context.Background(), "not-a-token-at-all", VerifyOptions{})
	assert.Equal(t, StatusMalformed, out.Status)
}

func TestUnsignedAlgorithmRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        "forged",
		Subject:   "client-1",
		Issuer:    "trustplane-facade",
		Audience:  jwt.ClaimStrings{"payment-processor"},
		IssuedAt:  jwt.NewNumericDate(clock.Now()),
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	}}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)
	out := eng.Verify(context.Background(), raw, VerifyOptions{})
	assert.Equal(t, StatusSignatureMismatch, out.Status)
}

func TestRequiredPermission(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", []string{"view_status"}, 0)
	require.NoError(t, err)

	out := eng.Verify(context.Background(), tok.Raw, VerifyOptions{RequiredPermission: "view_status"})
	assert.Equal(t, StatusValid, out.Status)

	out = eng.Verify(context.Background(), tok.Raw, VerifyOptions{RequiredPermission: "process_payment"})
	require.Equal(t, StatusForbidden, out.Status)
	assert.Equal(t, "process_payment", out.MissingPermission)
	assert.False(t, out.Valid())
}

func TestShouldRenewWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", nil, time.Hour)
	require.NoError(t, err)

	assert.False(t, eng.ShouldRenew(tok), "fresh token must not renew")

	clock.Advance(54 * time.Minute)
	assert.False(t, eng.ShouldRenew(tok), "six minutes left is outside the 5m threshold")

	clock.Advance(2 * time.Minute)
	assert.True(t, eng.ShouldRenew(tok), "four minutes left is inside the threshold")
	assert.False(t, eng.IsExpired(tok))

	clock.Advance(10 * time.Minute)
	assert.True(t, eng.IsExpired(tok))
	assert.False(t, eng.ShouldRenew(tok), "expired token is past renewal-on-use")
}

func TestRenewableAfterExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", nil, time.Minute)
	require.NoError(t, err)
	view, err := eng.Parse(tok.Raw)
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	assert.True(t, eng.RenewableAfterExpiry(view), "two minutes late is inside the 5m threshold")

	clock.Advance(10 * time.Minute)
	assert.False(t, eng.RenewableAfterExpiry(view))
}

func TestRenewIssuesFreshIdentity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", []string{"process_payment"}, time.Hour)
	require.NoError(t, err)

	clock.Advance(56 * time.Minute)
	renewed, err := eng.Renew(context.Background(), tok)
	require.NoError(t, err)

	assert.NotEqual(t, tok.JTI, renewed.JTI)
	assert.Equal(t, tok.ClientID, renewed.ClientID)
	assert.Equal(t, tok.Permissions, renewed.Permissions)
	assert.Equal(t, clock.Now().Add(time.Hour), renewed.ExpiresAt)

	out := eng.Verify(context.Background(), renewed.Raw, VerifyOptions{})
	assert.Equal(t, StatusValid, out.Status)
}

func TestParseIsUnverified(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clock)

	tok, err := eng.Mint(context.Background(), "client-1", []string{"view_status"}, time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	view, err := eng.Parse(tok.Raw)
	require.NoError(t, err, "parse must work on expired tokens")
	assert.Equal(t, "client-1", view.Subject)
	assert.Equal(t, "k1", view.KeyID)
	// Claim times come back in the local zone; compare instants, not layouts.
	assert.True(t, tok.ExpiresAt.Equal(view.ExpiresAt),
		"expiry claim %v differs from minted expiry %v", view.ExpiresAt, tok.ExpiresAt)
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	eng := NewEngine(testEngineConfig(0), staticKeys("k1", testSecret), clockwork.NewFakeClock())

	sig, err := eng.Sign(context.Background(), "header.payload", "k1")
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	err = jwt.SigningMethodHS256.Verify("header.payload", sig, testSecret)
	assert.NoError(t, err)
}

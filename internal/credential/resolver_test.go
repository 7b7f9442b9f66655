package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygrid/trustplane/internal/vault"
)

// fakeStore holds per-version credential documents like KV v2 does.
type fakeStore struct {
	mu      sync.Mutex
	history map[string][]vault.VersionInfo
	docs    map[string]map[int]*vault.SecretDocument
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history: map[string][]vault.VersionInfo{},
		docs:    map[string]map[int]*vault.SecretDocument{},
	}
}

func (f *fakeStore) put(path string, version int, disabled bool, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[path] = append(f.history[path], vault.VersionInfo{Version: version, Disabled: disabled})
	if f.docs[path] == nil {
		f.docs[path] = map[int]*vault.SecretDocument{}
	}
	f.docs[path][version] = &vault.SecretDocument{Path: path, Version: version, Data: data}
}

func (f *fakeStore) ReadSecret(ctx context.Context, path string) (*vault.SecretDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	versions, ok := f.docs[path]
	if !ok {
		return nil, vault.ErrNotFound
	}
	newest := 0
	for v := range versions {
		if v > newest {
			newest = v
		}
	}
	return versions[newest], nil
}

func (f *fakeStore) ReadSecretVersion(ctx context.Context, path string, version int) (*vault.SecretDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	doc, ok := f.docs[path][version]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) WriteSecret(ctx context.Context, path string, data map[string]interface{}) (int, error) {
	return 0, errors.New("not used")
}

func (f *fakeStore) SetVersionState(ctx context.Context, path string, version int, enabled bool) error {
	return nil
}

func (f *fakeStore) DestroyVersion(ctx context.Context, path string, version int) error {
	return nil
}

func (f *fakeStore) DeletePath(ctx context.Context, path string) error { return nil }

func (f *fakeStore) ListVersions(ctx context.Context, path string) ([]vault.VersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	history, ok := f.history[path]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return history, nil
}

func (f *fakeStore) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func testResolver(store vault.Store, clock clockwork.Clock) *Resolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(store, 5*time.Minute, clock, logger)
}

func TestResolveSingleVersion(t *testing.T) {
	store := newFakeStore()
	store.put(vault.CredentialPath("client-1"), 1, false, Document(mustHash(t, "s"), RoleMerchant))

	r := testResolver(store, clockwork.NewFakeClock())
	meta, degraded, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, meta.Versions, 1)
	assert.Equal(t, 1, meta.Versions[0].Number)
	assert.Equal(t, RoleMerchant, meta.Versions[0].Role)
}

func TestResolveDualWindowNewestFirst(t *testing.T) {
	store := newFakeStore()
	path := vault.CredentialPath("client-1")
	store.put(path, 1, false, Document(mustHash(t, "old"), RoleMerchant))
	store.put(path, 2, false, Document(mustHash(t, "new"), RoleMerchant))

	r := testResolver(store, clockwork.NewFakeClock())
	meta, _, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, meta.Versions, 2)
	assert.Equal(t, 2, meta.Versions[0].Number)
	assert.Equal(t, 1, meta.Versions[1].Number)
}

func TestResolveSkipsDisabledVersions(t *testing.T) {
	store := newFakeStore()
	path := vault.CredentialPath("client-1")
	store.put(path, 1, true, nil) // soft-deleted during rotation
	store.put(path, 2, false, Document(mustHash(t, "new"), RoleMerchant))

	r := testResolver(store, clockwork.NewFakeClock())
	meta, _, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, meta.Versions, 1)
	assert.Equal(t, 2, meta.Versions[0].Number)
}

func TestResolveUnknownClient(t *testing.T) {
	r := testResolver(newFakeStore(), clockwork.NewFakeClock())
	_, _, err := r.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestResolveServesCacheWhileStoreDown(t *testing.T) {
	store := newFakeStore()
	store.put(vault.CredentialPath("client-1"), 1, false, Document(mustHash(t, "s"), RoleMerchant))
	clock := clockwork.NewFakeClock()
	r := testResolver(store, clock)

	_, degraded, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	require.False(t, degraded)

	store.fail = vault.ErrUnavailable
	clock.Advance(time.Minute)

	meta, degraded, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Len(t, meta.Versions, 1)
}

func TestResolveRefusesStaleCache(t *testing.T) {
	store := newFakeStore()
	store.put(vault.CredentialPath("client-1"), 1, false, Document(mustHash(t, "s"), RoleMerchant))
	clock := clockwork.NewFakeClock()
	r := testResolver(store, clock)

	_, _, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)

	store.fail = vault.ErrUnavailable
	clock.Advance(10 * time.Minute) // past the 5m freshness window

	_, _, err = r.Resolve(context.Background(), "client-1")
	assert.ErrorIs(t, err, vault.ErrUnavailable)
}

func TestInvalidateDropsCachedMetadata(t *testing.T) {
	store := newFakeStore()
	store.put(vault.CredentialPath("client-1"), 1, false, Document(mustHash(t, "s"), RoleMerchant))
	clock := clockwork.NewFakeClock()
	r := testResolver(store, clock)

	_, _, err := r.Resolve(context.Background(), "client-1")
	require.NoError(t, err)

	r.Invalidate("client-1")
	store.fail = vault.ErrUnavailable

	_, _, err = r.Resolve(context.Background(), "client-1")
	assert.Error(t, err, "invalidated cache must not serve degraded reads")
}

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/token"
)

// Memory is the in-process TokenCache. Same semantics as the Redis cache;
// expiry is lazy, checked on read against the injected clock.
type Memory struct {
	maxTTL time.Duration
	clock  clockwork.Clock

	mu          sync.RWMutex
	byJTI       map[string]*memEntry
	byFP        map[string]*memEntry
	byClient    map[string]map[string]struct{}         // clientID -> set of jti
	byVersion   map[string]map[int]map[string]struct{} // clientID -> version -> set of jti
	credentials map[string]*credEntry
}

type memEntry struct {
	tok     *token.Token
	expires time.Time
}

type credEntry struct {
	meta    *credential.Metadata
	expires time.Time
}

// NewMemory builds an in-memory cache. maxTTL caps entry lifetimes the same
// way the Redis cache does.
func NewMemory(maxTTL time.Duration, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		maxTTL:      maxTTL,
		clock:       clock,
		byJTI:       make(map[string]*memEntry),
		byFP:        make(map[string]*memEntry),
		byClient:    make(map[string]map[string]struct{}),
		byVersion:   make(map[string]map[int]map[string]struct{}),
		credentials: make(map[string]*credEntry),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) PutToken(_ context.Context, t *token.Token) error {
	now := m.clock.Now()
	ttl := entryTTL(t, now, m.maxTTL)
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(t, now.Add(ttl))
	return nil
}

func (m *Memory) insertLocked(t *token.Token, expires time.Time) {
	e := &memEntry{tok: t, expires: expires}
	m.byJTI[t.JTI] = e
	if t.Fingerprint != "" {
		m.byFP[t.Fingerprint] = e
	}
	if m.byClient[t.ClientID] == nil {
		m.byClient[t.ClientID] = make(map[string]struct{})
	}
	m.byClient[t.ClientID][t.JTI] = struct{}{}
	if t.Version != 0 {
		if m.byVersion[t.ClientID] == nil {
			m.byVersion[t.ClientID] = make(map[int]map[string]struct{})
		}
		if m.byVersion[t.ClientID][t.Version] == nil {
			m.byVersion[t.ClientID][t.Version] = make(map[string]struct{})
		}
		m.byVersion[t.ClientID][t.Version][t.JTI] = struct{}{}
	}
}

func (m *Memory) PutIfAbsent(_ context.Context, t *token.Token) (*token.Token, bool, error) {
	now := m.clock.Now()
	ttl := entryTTL(t, now, m.maxTTL)
	if ttl <= 0 {
		return nil, false, &expiredTokenError{jti: t.JTI}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byFP[t.Fingerprint]; ok && e.expires.After(now) && e.tok.TTL(now) > 0 {
		return e.tok, false, nil
	}
	m.insertLocked(t, now.Add(ttl))
	return t, true, nil
}

type expiredTokenError struct{ jti string }

func (e *expiredTokenError) Error() string {
	return "cache: token " + e.jti + " already expired"
}

func (m *Memory) GetToken(_ context.Context, jti string) (*token.Token, error) {
	m.mu.RLock()
	e, ok := m.byJTI[jti]
	m.mu.RUnlock()
	return m.liveOrMiss(e, ok)
}

func (m *Memory) GetByFingerprint(_ context.Context, fingerprint string) (*token.Token, error) {
	m.mu.RLock()
	e, ok := m.byFP[fingerprint]
	m.mu.RUnlock()
	return m.liveOrMiss(e, ok)
}

func (m *Memory) liveOrMiss(e *memEntry, ok bool) (*token.Token, error) {
	now := m.clock.Now()
	if !ok || !e.expires.After(now) || e.tok.TTL(now) <= 0 {
		return nil, ErrMiss
	}
	return e.tok, nil
}

func (m *Memory) InvalidateByClient(_ context.Context, clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for jti := range m.byClient[clientID] {
		if e, ok := m.byJTI[jti]; ok {
			delete(m.byJTI, jti)
			if e.tok.Fingerprint != "" {
				delete(m.byFP, e.tok.Fingerprint)
			}
			removed++
		}
	}
	delete(m.byClient, clientID)
	delete(m.byVersion, clientID)
	return removed, nil
}

func (m *Memory) TokensByVersion(_ context.Context, clientID string, version int) ([]*token.Token, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var live []*token.Token
	for jti := range m.byVersion[clientID][version] {
		e, ok := m.byJTI[jti]
		if !ok || !e.expires.After(now) || e.tok.TTL(now) <= 0 {
			delete(m.byVersion[clientID][version], jti)
			delete(m.byClient[clientID], jti)
			delete(m.byJTI, jti)
			continue
		}
		live = append(live, e.tok)
	}
	return live, nil
}

func (m *Memory) PutCredential(_ context.Context, meta *credential.Metadata, ttl time.Duration) error {
	m.mu.Lock()
	m.credentials[meta.ClientID] = &credEntry{meta: meta, expires: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCredential(_ context.Context, clientID string) (*credential.Metadata, error) {
	m.mu.RLock()
	e, ok := m.credentials[clientID]
	m.mu.RUnlock()
	if !ok || !e.expires.After(m.clock.Now()) {
		return nil, ErrMiss
	}
	return e.meta, nil
}

func (m *Memory) InvalidateCredential(_ context.Context, clientID string) error {
	m.mu.Lock()
	delete(m.credentials, clientID)
	m.mu.Unlock()
	return nil
}

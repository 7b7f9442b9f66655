package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/token"
)

// RedisCache is the cluster-shared TokenCache. Token entries expire on their
// own TTLs; the client index sets are refreshed to the maximum entry TTL on
// every insert and pruned lazily when a member's token key has expired.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	maxTTL time.Duration
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewRedis connects to Redis per the cache configuration and verifies
// connectivity before returning.
func NewRedis(cfg config.CacheConfig, clock clockwork.Clock, logger *slog.Logger) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: cfg.PoolMin,
		PoolSize:     cfg.PoolMax,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}

	return NewRedisWithClient(rdb, cfg, clock, logger), nil
}

// NewRedisWithClient wraps an existing client. Tests hand in a client aimed
// at miniredis.
func NewRedisWithClient(rdb *redis.Client, cfg config.CacheConfig, clock clockwork.Clock, logger *slog.Logger) *RedisCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		rdb:    rdb,
		prefix: defaultPrefix,
		maxTTL: time.Duration(cfg.MaxTTLSeconds) * time.Second,
		clock:  clock,
		logger: logger.With("component", "cache"),
	}
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Ping reports backend connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PutToken writes the token record and its indexes in one transaction so the
// client index observes every insert it could later be asked to invalidate.
func (c *RedisCache) PutToken(ctx context.Context, t *token.Token) error {
	ttl := entryTTL(t, c.clock.Now(), c.maxTTL)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, tokenKey(c.prefix, t.JTI), data, ttl)
	if t.Fingerprint != "" {
		pipe.Set(ctx, fingerprintKey(c.prefix, t.Fingerprint), data, ttl)
	}
	c.indexToken(ctx, pipe, t)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put token: %w", err)
	}
	return nil
}

func (c *RedisCache) indexToken(ctx context.Context, pipe redis.Pipeliner, t *token.Token) {
	setKey := clientTokensKey(c.prefix, t.ClientID)
	pipe.SAdd(ctx, setKey, t.JTI)
	pipe.Expire(ctx, setKey, c.maxTTL)
	if t.Version != 0 {
		verKey := clientVersionKey(c.prefix, t.ClientID, t.Version)
		pipe.SAdd(ctx, verKey, t.JTI)
		pipe.Expire(ctx, verKey, c.maxTTL)
	}
}

// PutIfAbsent claims the fingerprint slot with SETNX. Losing the claim means
// another writer minted first; their token is returned instead.
func (c *RedisCache) PutIfAbsent(ctx context.Context, t *token.Token) (*token.Token, bool, error) {
	ttl := entryTTL(t, c.clock.Now(), c.maxTTL)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("cache: token %s already expired", t.JTI)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, false, fmt.Errorf("marshal token: %w", err)
	}

	fpKey := fingerprintKey(c.prefix, t.Fingerprint)
	claimed, err := c.rdb.SetNX(ctx, fpKey, data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx fingerprint: %w", err)
	}
	if !claimed {
		existing, err := c.getTokenAt(ctx, fpKey)
		if err == nil && existing.TTL(c.clock.Now()) > 0 {
			return existing, false, nil
		}
		// Slot held by a dead entry; overwrite it.
		if err := c.rdb.Set(ctx, fpKey, data, ttl).Err(); err != nil {
			return nil, false, fmt.Errorf("redis set fingerprint: %w", err)
		}
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, tokenKey(c.prefix, t.JTI), data, ttl)
	c.indexToken(ctx, pipe, t)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("redis index token: %w", err)
	}
	return t, true, nil
}

// GetToken returns the live token with the given jti.
func (c *RedisCache) GetToken(ctx context.Context, jti string) (*token.Token, error) {
	return c.getTokenAt(ctx, tokenKey(c.prefix, jti))
}

// GetByFingerprint returns the live token minted under fingerprint.
func (c *RedisCache) GetByFingerprint(ctx context.Context, fingerprint string) (*token.Token, error) {
	return c.getTokenAt(ctx, fingerprintKey(c.prefix, fingerprint))
}

func (c *RedisCache) getTokenAt(ctx context.Context, key string) (*token.Token, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var t token.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal token at %s: %w", key, err)
	}
	if t.TTL(c.clock.Now()) <= 0 {
		return nil, ErrMiss
	}
	return &t, nil
}

// InvalidateByClient deletes every token under the client index, members
// before the index key, so a token removed here cannot come back through a
// concurrent read of the same call.
func (c *RedisCache) InvalidateByClient(ctx context.Context, clientID string) (int, error) {
	setKey := clientTokensKey(c.prefix, clientID)
	members, err := c.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers %s: %w", setKey, err)
	}

	removed := 0
	versions := map[int]struct{}{}
	for _, jti := range members {
		t, err := c.getTokenAt(ctx, tokenKey(c.prefix, jti))
		if err == nil {
			if t.Fingerprint != "" {
				c.rdb.Del(ctx, fingerprintKey(c.prefix, t.Fingerprint))
			}
			if t.Version != 0 {
				versions[t.Version] = struct{}{}
			}
		}
		n, err := c.rdb.Del(ctx, tokenKey(c.prefix, jti)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del token %s: %w", jti, err)
		}
		removed += int(n)
	}

	keys := []string{setKey}
	for v := range versions {
		keys = append(keys, clientVersionKey(c.prefix, clientID, v))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return removed, fmt.Errorf("redis del indexes: %w", err)
	}
	return removed, nil
}

// TokensByVersion returns live tokens minted under one credential version,
// pruning index members whose token entry has expired.
func (c *RedisCache) TokensByVersion(ctx context.Context, clientID string, version int) ([]*token.Token, error) {
	verKey := clientVersionKey(c.prefix, clientID, version)
	members, err := c.rdb.SMembers(ctx, verKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", verKey, err)
	}

	var live []*token.Token
	for _, jti := range members {
		t, err := c.getTokenAt(ctx, tokenKey(c.prefix, jti))
		if errors.Is(err, ErrMiss) {
			c.rdb.SRem(ctx, verKey, jti)
			c.rdb.SRem(ctx, clientTokensKey(c.prefix, clientID), jti)
			continue
		}
		if err != nil {
			return nil, err
		}
		live = append(live, t)
	}
	return live, nil
}

// PutCredential caches resolved credential metadata.
func (c *RedisCache) PutCredential(ctx context.Context, meta *credential.Metadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}
	if err := c.rdb.Set(ctx, credentialKey(c.prefix, meta.ClientID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis put credential: %w", err)
	}
	return nil
}

// GetCredential returns cached credential metadata.
func (c *RedisCache) GetCredential(ctx context.Context, clientID string) (*credential.Metadata, error) {
	data, err := c.rdb.Get(ctx, credentialKey(c.prefix, clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get credential: %w", err)
	}
	var meta credential.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal credential metadata: %w", err)
	}
	return &meta, nil
}

// InvalidateCredential drops the cached metadata for clientID.
func (c *RedisCache) InvalidateCredential(ctx context.Context, clientID string) error {
	if err := c.rdb.Del(ctx, credentialKey(c.prefix, clientID)).Err(); err != nil {
		return fmt.Errorf("redis del credential: %w", err)
	}
	return nil
}

package capability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/shared/logging"
)

// CachedStore wraps a Store with a read-through Redis cache keyed by salted
// hash. The cache is a pure optimization: Lookup always hands back whatever
// record Redis or the store returned, and it is the caller (the evaluator)
// that re-checks RevokedAt/ExpiresAt — so a stale cache entry can only ever
// serve a slightly-out-of-date "still valid" answer, bounded by ttl. It is
// safe to run with rdb == nil, in which case every call falls through to
// the underlying store.
type CachedStore struct {
	store  *Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps store with a Redis cache. Pass a nil rdb to disable
// caching entirely (lookups go straight to store).
func NewCachedStore(store *Store, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{store: store, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(saltedHash string) string {
	return "capability:" + saltedHash
}

// Lookup serves from Redis when possible, falling back to the SQL store on
// a cache miss or when Redis is unavailable/unconfigured.
func (c *CachedStore) Lookup(ctx context.Context, saltedHash string) (*Key, error) {
	if c.rdb == nil {
		return c.store.Lookup(ctx, saltedHash)
	}

	raw, err := c.rdb.Get(ctx, cacheKey(saltedHash)).Bytes()
	if err == nil {
		var cached cachedKey
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached.toKey(), nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("capability cache read failed, falling back to store",
			logging.NewFields().Component("capability").Error(err).ToZap()...)
	}

	key, err := c.store.Lookup(ctx, saltedHash)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}

	if data, marshalErr := json.Marshal(fromKey(key)); marshalErr == nil {
		if setErr := c.rdb.Set(ctx, cacheKey(saltedHash), data, c.ttl).Err(); setErr != nil {
			c.logger.Warn("capability cache write failed",
				logging.NewFields().Component("capability").Error(setErr).ToZap()...)
		}
	}

	return key, nil
}

// Invalidate drops any cached entry for saltedHash, called on revoke so a
// revoked key cannot be served a second longer than necessary.
func (c *CachedStore) Invalidate(ctx context.Context, saltedHash string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, cacheKey(saltedHash)).Err(); err != nil {
		c.logger.Warn("capability cache invalidation failed",
			logging.NewFields().Component("capability").Error(err).ToZap()...)
	}
}

// cachedKey is the JSON wire shape stored in Redis.
type cachedKey struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspaceId"`
	SaltedHash   string     `json:"saltedHash"`
	Permission   string     `json:"permission"`
	ScopeType    string     `json:"scopeType"`
	ScopePath    string     `json:"scopePath"`
	BoundAuthor  string     `json:"boundAuthor,omitempty"`
	AllowedTypes []string   `json:"allowedTypes,omitempty"`
	WIPLimit     int        `json:"wipLimit,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func fromKey(k *Key) cachedKey {
	return cachedKey{
		ID: k.ID, WorkspaceID: k.WorkspaceID, SaltedHash: k.SaltedHash,
		Permission: string(k.Permission), ScopeType: string(k.ScopeType), ScopePath: k.ScopePath,
		BoundAuthor: k.BoundAuthor, AllowedTypes: k.AllowedTypes, WIPLimit: k.WIPLimit,
		ExpiresAt: k.ExpiresAt, RevokedAt: k.RevokedAt, CreatedAt: k.CreatedAt,
	}
}

func (c cachedKey) toKey() *Key {
	return &Key{
		ID: c.ID, WorkspaceID: c.WorkspaceID, SaltedHash: c.SaltedHash,
		Permission: Permission(c.Permission), ScopeType: ScopeType(c.ScopeType), ScopePath: c.ScopePath,
		BoundAuthor: c.BoundAuthor, AllowedTypes: c.AllowedTypes, WIPLimit: c.WIPLimit,
		ExpiresAt: c.ExpiresAt, RevokedAt: c.RevokedAt, CreatedAt: c.CreatedAt,
	}
}

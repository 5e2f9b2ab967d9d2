/**
 * @description
 * Read-through portal cache. Each (contributor identity, provider account)
 * pair owns one redis hash keyed by remote object id, holding serialized
 * portal projections. Writers for the same pair serialize on an in-process
 * lock; readers never lock. Every write refreshes the entry TTL.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The cache backend.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/donorhub/contribution-service/internal/domain"
)

// ErrCacheMiss signals that no cache entry exists for the requested pair.
var ErrCacheMiss = errors.New("portal cache entry not found")

// KV is the narrow key-value surface the portal cache needs from its backend.
type KV interface {
	SetHashFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	GetHash(ctx context.Context, key string) (map[string]string, error)
}

// redisKV adapts a go-redis client to the KV interface.
type redisKV struct {
	client *redis.Client
}

// NewRedisKV wraps a redis client for use as the portal cache backend.
func NewRedisKV(client *redis.Client) KV {
	return &redisKV{client: client}
}

func (r *redisKV) SetHashFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	flat := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	pipe.HSet(ctx, key, flat...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisKV) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return fields, nil
}

// nullKV is the degraded-mode backend used when redis is unavailable: every
// read misses and every write is dropped, so the portal serves cold reads.
type nullKV struct{}

// NewNullKV returns a KV that stores nothing.
func NewNullKV() KV { return nullKV{} }

func (nullKV) SetHashFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return nil
}

func (nullKV) GetHash(ctx context.Context, key string) (map[string]string, error) {
	return nil, ErrCacheMiss
}

// PortalCache stores portal projections per (identity, provider account).
type PortalCache struct {
	kv     KV
	prefix string
	ttl    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPortalCache builds a cache over the given backend. prefix namespaces the
// keys; ttl bounds how stale an unwritten entry may get.
func NewPortalCache(kv KV, prefix string, ttl time.Duration) *PortalCache {
	return &PortalCache{
		kv:     kv,
		prefix: prefix,
		ttl:    ttl,
		locks:  map[string]*sync.Mutex{},
	}
}

func (pc *PortalCache) key(identity, providerAccount string) string {
	return fmt.Sprintf("%s:%s:%s", pc.prefix, strings.ToLower(strings.TrimSpace(identity)), providerAccount)
}

// lockFor returns the write lock owned by one cache key. Lock structs live for
// the process lifetime; the key space is small (active donors on this pod).
func (pc *PortalCache) lockFor(key string) *sync.Mutex {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	l, ok := pc.locks[key]
	if !ok {
		l = &sync.Mutex{}
		pc.locks[key] = l
	}
	return l
}

// Upsert merges items into the pair's entry. An item whose projection fails is
// logged and skipped; it never aborts the rest of the batch.
func (pc *PortalCache) Upsert(ctx context.Context, identity, providerAccount string, items []domain.CacheItem) error {
	key := pc.key(identity, providerAccount)
	lock := pc.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	fields := make(map[string]string, len(items))
	for _, item := range items {
		b, err := item.Projection()
		if err != nil {
			log.Printf("level=warn component=portal_cache msg=\"item projection failed; skipping\" key=%s object_id=%q err=%v", key, item.ObjectID(), err)
			continue
		}
		fields[item.ObjectID()] = string(b)
	}
	if len(fields) == 0 {
		return nil
	}
	return pc.kv.SetHashFields(ctx, key, fields, pc.ttl)
}

// Load returns the pair's cached projections, newest first. A missing entry
// returns ErrCacheMiss; an entry with undecodable fields drops just those.
func (pc *PortalCache) Load(ctx context.Context, identity, providerAccount string) ([]domain.PortalProjection, error) {
	key := pc.key(identity, providerAccount)
	fields, err := pc.kv.GetHash(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make([]domain.PortalProjection, 0, len(fields))
	for objectID, raw := range fields {
		var p domain.PortalProjection
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Printf("level=warn component=portal_cache msg=\"undecodable cache field dropped\" key=%s object_id=%s err=%v", key, objectID, err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

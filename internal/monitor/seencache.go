package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// SeenRecord is what the dedupe layer remembers about a counted transaction.
type SeenRecord struct {
	Kind   Kind
	Volume *big.Int
}

// SeenCache deduplicates transaction sightings across the pending and
// confirmed paths.
type SeenCache interface {
	Get(ctx context.Context, hash common.Hash) (SeenRecord, bool, error)
	Put(ctx context.Context, hash common.Hash, rec SeenRecord) error
}

// MemorySeenCache is a bounded in-process cache with TTL expiry. Eviction is
// insertion-ordered once the bound is hit, so it degrades to a ring of the
// most recent hashes under sustained load.
type MemorySeenCache struct {
	mu      sync.Mutex
	entries map[common.Hash]memoryEntry
	order   []common.Hash
	maxSize int
	ttl     time.Duration
}

type memoryEntry struct {
	rec SeenRecord
	at  time.Time
}

func NewMemorySeenCache(maxSize int, ttl time.Duration) *MemorySeenCache {
	return &MemorySeenCache{
		entries: make(map[common.Hash]memoryEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *MemorySeenCache) Get(_ context.Context, hash common.Hash) (SeenRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[hash]
	if !ok {
		return SeenRecord{}, false, nil
	}
	if c.ttl > 0 && time.Since(entry.at) > c.ttl {
		delete(c.entries, hash)
		return SeenRecord{}, false, nil
	}
	return entry.rec, true, nil
}

func (c *MemorySeenCache) Put(_ context.Context, hash common.Hash, rec SeenRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[hash]; !exists {
		c.order = append(c.order, hash)
		for len(c.order) > c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[hash] = memoryEntry{rec: rec, at: time.Now()}
	return nil
}

// RedisSeenCache shares dedupe state across processes through Redis with TTL
// expiry handled server side.
type RedisSeenCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSeenCache(client *redis.Client, ttl time.Duration) *RedisSeenCache {
	return &RedisSeenCache{client: client, ttl: ttl, prefix: "marketmaker:seen:"}
}

func (c *RedisSeenCache) Get(ctx context.Context, hash common.Hash) (SeenRecord, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+hash.Hex()).Result()
	if err == redis.Nil {
		return SeenRecord{}, false, nil
	}
	if err != nil {
		return SeenRecord{}, false, err
	}
	rec, err := parseSeenRecord(raw)
	if err != nil {
		return SeenRecord{}, false, err
	}
	return rec, true, nil
}

func (c *RedisSeenCache) Put(ctx context.Context, hash common.Hash, rec SeenRecord) error {
	value := fmt.Sprintf("%d:%s", rec.Kind, rec.Volume.String())
	return c.client.Set(ctx, c.prefix+hash.Hex(), value, c.ttl).Err()
}

func parseSeenRecord(raw string) (SeenRecord, error) {
	kindStr, volumeStr, ok := strings.Cut(raw, ":")
	if !ok {
		return SeenRecord{}, fmt.Errorf("malformed seen record %q", raw)
	}
	volume, ok := new(big.Int).SetString(volumeStr, 10)
	if !ok {
		return SeenRecord{}, fmt.Errorf("malformed seen volume %q", volumeStr)
	}
	switch kindStr {
	case "1":
		return SeenRecord{Kind: KindBuy, Volume: volume}, nil
	case "2":
		return SeenRecord{Kind: KindSell, Volume: volume}, nil
	default:
		return SeenRecord{}, fmt.Errorf("malformed seen kind %q", kindStr)
	}
}

package admission

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore holds the rolling per-rule, per-client state behind the two
// stateful rules. Rules read with Get and write with CompareAndSwap in a
// retry loop, so concurrent evaluation of the same key never over-admits:
// only one of two racing writers lands, the other re-reads and re-decides.
//
// version is an opaque token from Get; the empty version means "entry
// absent" and turns the swap into a create-if-absent.
type StateStore interface {
	Get(ctx context.Context, rule, key string) (value []byte, version string, err error)
	CompareAndSwap(ctx context.Context, rule, key, version string, value []byte, ttl time.Duration) (bool, error)
}

// casAttempts bounds the read-modify-write retry loop. Exhaustion is an
// evaluator fault, not a deny.
const casAttempts = 16

type memoryEntry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

// MemoryStore is the in-process StateStore. A single mutex guards the map;
// the critical section is a map read or write, so per-key sharding is not
// worth the bookkeeping at gateway request rates. Expired entries are
// swept lazily on write to bound memory under client-key churn.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]memoryEntry
	nextSweep  time.Time
	sweepEvery time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:      make(map[string]memoryEntry),
		sweepEvery: time.Minute,
	}
}

func stateKey(rule, key string) string { return rule + ":" + key }

func (s *MemoryStore) Get(_ context.Context, rule, key string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[stateKey(rule, key)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, "", nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, strconv.FormatUint(entry.version, 10), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, rule, key, version string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.nextSweep) {
		s.sweepLocked(now)
		s.nextSweep = now.Add(s.sweepEvery)
	}
	k := stateKey(rule, key)
	entry, ok := s.items[k]
	if ok && now.After(entry.expiresAt) {
		ok = false
	}
	current := ""
	if ok {
		current = strconv.FormatUint(entry.version, 10)
	}
	if current != version {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.items[k] = memoryEntry{
		value:     stored,
		version:   entry.version + 1,
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, v := range s.items {
		if now.After(v.expiresAt) {
			delete(s.items, k)
		}
	}
}

// Len reports live entries; used by tests to check sweep behavior.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// casScript swaps the value only if the stored bytes still match what the
// caller read (empty ARGV[1] means the key must not exist). PX keeps idle
// entries from outliving their retention window.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
  if ARGV[1] == "" then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
  end
  return 0
end
if cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

// RedisStore keys rule state as <prefix><rule>:<clientKey>. The stored
// value doubles as the CAS version, so no extra version key is needed.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "gate:"}
}

func (s *RedisStore) redisKey(rule, key string) string {
	return s.Prefix + stateKey(rule, key)
}

func (s *RedisStore) Get(ctx context.Context, rule, key string) ([]byte, string, error) {
	raw, err := s.Client.Get(ctx, s.redisKey(rule, key)).Bytes()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return raw, string(raw), nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, rule, key, version string, value []byte, ttl time.Duration) (bool, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}
	res, err := casScript.Run(ctx, s.Client, []string{s.redisKey(rule, key)}, version, string(value), ttlMillis).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Package kvstore wraps a Redis-compatible key-value store with the typed
// operation set the gateway's components rely on: strings with TTL,
// lists, sorted sets, hashes, sets, a distributed lock, and a subscription
// stream over keyspace-expiry events.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld names the condition of a lock owned by another holder.
// AcquireLock does not return it: it reports that condition as (false, nil).
var ErrLockHeld = errors.New("kvstore: lock held by another caller")

// Store is a typed handle over a Redis connection. It is safe for
// concurrent use by multiple goroutines.
type Store struct {
	rdb *redis.Client
}

// Config addresses the backing Redis instance.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// New dials the configured Redis instance. The connection is lazy in
// go-redis; New does not block on a round trip.
func New(cfg Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// --- strings ---

// SetString stores value at key with no expiry.
func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// SetStringTTL stores value at key, expiring after ttl.
func (s *Store) SetStringTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString returns the value at key, or ("", false, nil) if absent.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// DeleteString removes key.
func (s *Store) DeleteString(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Delete removes key regardless of its underlying type (string, list,
// hash, set, or sorted set).
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// --- lists ---

// PushList appends value to the list at key (RPUSH).
func (s *Store) PushList(ctx context.Context, key, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

// PopList removes and returns the head of the list at key (LPOP).
func (s *Store) PopList(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// ListAll returns every element of the list at key (LRANGE 0 -1).
func (s *Store) ListAll(ctx context.Context, key string) ([]string, error) {
	return s.rdb.LRange(ctx, key, 0, -1).Result()
}

// DeleteList removes the list at key entirely.
func (s *Store) DeleteList(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// --- sorted sets ---

// ZAdd adds member to the sorted set at key with the given score.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZMember pairs a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// ZRangeWithScores returns every member of the sorted set at key, in score
// order, paired with its score.
func (s *Store) ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		out[i] = ZMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

// ZRemove removes member from the sorted set at key.
func (s *Store) ZRemove(ctx context.Context, key, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

// ZRemoveLowest removes the lowest-scoring member of the sorted set at
// key (the sliding-window eviction primitive: read rank 0, then remove
// that exact member).
func (s *Store) ZRemoveLowest(ctx context.Context, key string) error {
	lowest, err := s.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return err
	}
	if len(lowest) == 0 {
		return nil
	}
	return s.rdb.ZRem(ctx, key, lowest[0].Member).Err()
}

// --- hashes ---

// HSet sets field within the hash at key.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

// HGet returns field within the hash at key.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HDel removes field from the hash at key.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	return s.rdb.HDel(ctx, key, field).Err()
}

// HLen returns the number of fields in the hash at key.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.HLen(ctx, key).Result()
}

// HAllValues returns every field's value in the hash at key (field names
// are discarded, matching the original's get_hash_all_value contract).
func (s *Store) HAllValues(ctx context.Context, key string) ([]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out, nil
}

// DeleteHash removes the whole hash at key.
func (s *Store) DeleteHash(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// --- sets ---

// SetAdd adds member to the set at key.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	return s.rdb.SAdd(ctx, key, member).Err()
}

// SetRemove removes member from the set at key.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	return s.rdb.SRem(ctx, key, member).Err()
}

// SetLength returns the cardinality of the set at key.
func (s *Store) SetLength(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

// SetMembers returns every member of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// --- distributed lock ---

// AcquireLock attempts to become the holder of key for ttl. It is an
// atomic set-if-absent; on success holder is stored as the key's value.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseLock releases key only if its current value matches holder; a
// mismatched or absent holder makes this a no-op.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	cur, ok, err := s.GetString(ctx, key)
	if err != nil {
		return err
	}
	if !ok || cur != holder {
		return nil
	}
	return s.rdb.Del(ctx, key).Err()
}

// --- keyspace-expiry subscription ---

// SubscribeExpired returns a channel of keys that expired, using Redis
// keyspace notifications (requires notify-keyspace-events "Ex" on the
// server). The returned channel closes when ctx is cancelled.
func (s *Store) SubscribeExpired(ctx context.Context, db int) <-chan string {
	pattern := fmt.Sprintf("__keyevent@%d__:expired", db)
	pubsub := s.rdb.Subscribe(ctx, pattern)
	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

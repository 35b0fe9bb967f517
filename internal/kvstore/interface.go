package kvstore

import (
	"context"
	"time"
)

// KV is the full operation set the gateway's consumers perform against
// the key-value store. *Store satisfies it by virtue of its method set;
// Mem is an in-memory implementation for tests that need a real-looking
// store without a Redis instance. Consumers (ingest.Pipeline,
// alerting.RangeEvaluator, mqttctrl.Controller, and the transport
// listeners) hold this interface rather than *Store so tests can swap in
// Mem without touching production wiring.
type KV interface {
	SetString(ctx context.Context, key, value string) error
	SetStringTTL(ctx context.Context, key, value string, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, bool, error)
	DeleteString(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error

	PushList(ctx context.Context, key, value string) error
	PopList(ctx context.Context, key string) (string, bool, error)
	ListAll(ctx context.Context, key string) ([]string, error)
	DeleteList(ctx context.Context, key string) error

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemove(ctx context.Context, key, member string) error
	ZRemoveLowest(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error
	HLen(ctx context.Context, key string) (int64, error)
	HAllValues(ctx context.Context, key string) ([]string, error)
	DeleteHash(ctx context.Context, key string) error

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetLength(ctx context.Context, key string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error

	SubscribeExpired(ctx context.Context, db int) <-chan string
}

var (
	_ KV = (*Store)(nil)
	_ KV = (*Mem)(nil)
)

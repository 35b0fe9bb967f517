package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory KV implementation for tests. It is safe for
// concurrent use. TTLs are honored on read (a string past its expiry
// reads back as absent) but there is no background sweep, mirroring how
// little the gateway's own logic depends on eager expiry — only
// SubscribeExpired's consumers (the controller's reaper path) need an
// expiry *event*, which TriggerExpiry provides explicitly for tests.
type Mem struct {
	mu      sync.Mutex
	strings map[string]memString
	lists   map[string][]string
	zsets   map[string][]ZMember
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	locks   map[string]string
	expired chan string
}

type memString struct {
	value   string
	expires time.Time // zero means no TTL
}

// NewMem builds an empty Mem.
func NewMem() *Mem {
	return &Mem{
		strings: make(map[string]memString),
		lists:   make(map[string][]string),
		zsets:   make(map[string][]ZMember),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		locks:   make(map[string]string),
		expired: make(chan string, 64),
	}
}

// TriggerExpiry simulates a keyspace-expiry notification for key,
// delivered to any SubscribeExpired listener. Tests use this to drive
// the controller's HandlerOffNode failover path without waiting out a
// real TTL.
func (m *Mem) TriggerExpiry(key string) {
	m.expired <- key
}

func (m *Mem) SetString(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memString{value: value}
	return nil
}

func (m *Mem) SetStringTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memString{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Mem) GetString(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	if !ok {
		return "", false, nil
	}
	if !v.expires.IsZero() && time.Now().After(v.expires) {
		delete(m.strings, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Mem) DeleteString(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	return nil
}

func (m *Mem) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	return nil
}

func (m *Mem) PushList(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Mem) PopList(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	m.lists[key] = list[1:]
	return head, true, nil
}

func (m *Mem) ListAll(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lists[key]...), nil
}

func (m *Mem) DeleteList(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	return nil
}

func (m *Mem) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zsets[key] = append(m.zsets[key], ZMember{Member: member, Score: score})
	m.sortZSet(key)
	return nil
}

func (m *Mem) sortZSet(key string) {
	zs := m.zsets[key]
	sort.SliceStable(zs, func(i, j int) bool { return zs[i].Score < zs[j].Score })
}

func (m *Mem) ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ZMember(nil), m.zsets[key]...), nil
}

func (m *Mem) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Mem) ZRemove(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs := m.zsets[key]
	for i, z := range zs {
		if z.Member == member {
			m.zsets[key] = append(zs[:i], zs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Mem) ZRemoveLowest(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs := m.zsets[key]
	if len(zs) == 0 {
		return nil
	}
	m.zsets[key] = zs[1:]
	return nil
}

func (m *Mem) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Mem) HGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Mem) HDel(ctx context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes[key], field)
	return nil
}

func (m *Mem) HLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.hashes[key])), nil
}

func (m *Mem) HAllValues(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.hashes[key]))
	for _, v := range m.hashes[key] {
		out = append(out, v)
	}
	return out, nil
}

func (m *Mem) DeleteHash(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, key)
	return nil
}

func (m *Mem) SetAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Mem) SetRemove(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

func (m *Mem) SetLength(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *Mem) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		out = append(out, v)
	}
	return out, nil
}

func (m *Mem) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return false, nil
	}
	m.locks[key] = holder
	return true, nil
}

func (m *Mem) ReleaseLock(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] != holder {
		return nil
	}
	delete(m.locks, key)
	return nil
}

func (m *Mem) SubscribeExpired(ctx context.Context, db int) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case key, ok := <-m.expired:
				if !ok {
					return
				}
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

package coord

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// KV is the shared key/value contract every node talks to. All keys carry a
// TTL; expired keys behave as absent.
type KV interface {
	// SetNX stores value under key only if key is absent or expired.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndExpire resets the TTL of key only if it currently holds value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) error
	// Keys lists live keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// HSet replaces the hash at key and sets its TTL.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

type memEntry struct {
	value   string
	hash    map[string]string
	expires time.Time
}

// MemoryKV is an in-process KV. Several Clients sharing one MemoryKV behave
// like nodes sharing one coordination store.
type MemoryKV struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string]memEntry), now: time.Now}
}

// WithClock swaps the time source; used by tests to expire keys.
func (kv *MemoryKV) WithClock(now func() time.Time) *MemoryKV {
	kv.mu.Lock()
	kv.now = now
	kv.mu.Unlock()
	return kv
}

// liveLocked returns the entry if present and not expired, evicting it otherwise.
func (kv *MemoryKV) liveLocked(key string) (memEntry, bool) {
	e, ok := kv.m[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !kv.now().Before(e.expires) {
		delete(kv.m, key)
		return memEntry{}, false
	}
	return e, true
}

func (kv *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return kv.now().Add(ttl)
}

func (kv *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.liveLocked(key); ok {
		return false, nil
	}
	kv.m[key] = memEntry{value: value, expires: kv.expiry(ttl)}
	return true, nil
}

func (kv *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.liveLocked(key)
	if !ok || e.hash != nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (kv *MemoryKV) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.liveLocked(key)
	if !ok || e.hash != nil || e.value != value {
		return false, nil
	}
	e.expires = kv.expiry(ttl)
	kv.m[key] = e
	return true, nil
}

func (kv *MemoryKV) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.liveLocked(key)
	if !ok || e.hash != nil || e.value != value {
		return false, nil
	}
	delete(kv.m, key)
	return true, nil
}

func (kv *MemoryKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.m, key)
	kv.mu.Unlock()
	return nil
}

func (kv *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	out := make([]string, 0, len(kv.m))
	for k := range kv.m {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := kv.liveLocked(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (kv *MemoryKV) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v
	}
	kv.mu.Lock()
	kv.m[key] = memEntry{hash: h, expires: kv.expiry(ttl)}
	kv.mu.Unlock()
	return nil
}

func (kv *MemoryKV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.liveLocked(key)
	if !ok || e.hash == nil {
		return nil, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

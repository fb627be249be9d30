package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryItem struct {
	data []byte
	exp  time.Time
}

// MemoryCache implements Service in process memory.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem), now: time.Now}
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.items[key] = mc.item(data, expiration)
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	it, ok := mc.lookup(key)
	mc.mu.Unlock()
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(it.data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, k := range keys {
		delete(mc.items, k)
	}
	return nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, held := mc.lookup(key); held {
		return false, nil
	}
	mc.items[key] = mc.item([]byte(`"locked"`), ttl)
	return true, nil
}

func (mc *MemoryCache) Unlock(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.items[key]; !ok {
		return ErrCacheMiss
	}
	delete(mc.items, key)
	return nil
}

func (mc *MemoryCache) Close() error { return nil }

func (mc *MemoryCache) item(data []byte, ttl time.Duration) memoryItem {
	it := memoryItem{data: data}
	if ttl > 0 {
		it.exp = mc.now().Add(ttl)
	}
	return it
}

// lookup must be called with mu held. Expired items are dropped.
func (mc *MemoryCache) lookup(key string) (memoryItem, bool) {
	it, ok := mc.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.exp.IsZero() && !mc.now().Before(it.exp) {
		delete(mc.items, key)
		return memoryItem{}, false
	}
	return it, true
}

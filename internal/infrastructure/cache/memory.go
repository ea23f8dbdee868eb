package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryClient is an in-process RedisClient for tests and the memory driver
type MemoryClient struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

var _ RedisClient = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{items: make(map[string]memoryItem), now: time.Now}
}

// SetClock overrides the time source used for expiry
func (m *MemoryClient) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryClient) liveLocked(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: data}
	if expiration > 0 {
		item.expiresAt = m.now().Add(expiration)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryClient) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	item, ok := m.liveLocked(key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("key '%s': %w", key, ErrCacheMiss)
	}
	return json.Unmarshal(item.value, dest)
}

func (m *MemoryClient) Del(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key)
	delete(m.items, key)
	return ok, nil
}

func (m *MemoryClient) IncrWithin(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(string(item.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at '%s' is not an integer", key)
		}
		n = v
	} else {
		item = memoryItem{}
		if window > 0 {
			item.expiresAt = m.now().Add(window)
		}
	}
	n++
	item.value = []byte(strconv.FormatInt(n, 10))
	m.items[key] = item
	return n, nil
}

func (m *MemoryClient) Ping(ctx context.Context) error { return nil }

func (m *MemoryClient) Close() error { return nil }

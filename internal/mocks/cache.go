package mocks

import (
	"context"
	"sync"
	"time"
)

// MockCache is an in-memory Cache double with optional func overrides.
type MockCache struct {
	mu       sync.Mutex
	data     map[string]string
	counters map[string]int64

	GetFunc       func(ctx context.Context, key string) (string, error)
	SetFunc       func(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteFunc    func(ctx context.Context, key string) error
	IncrementFunc func(ctx context.Context, key string) (int64, error)
}

func NewMockCache() *MockCache {
	return &MockCache{
		data:     make(map[string]string),
		counters: make(map[string]int64),
	}
}

func (m *MockCache) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *MockCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MockCache) Delete(ctx context.Context, key string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MockCache) Increment(ctx context.Context, key string) (int64, error) {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

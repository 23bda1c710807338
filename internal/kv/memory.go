package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

type memoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

// NewMemory returns an in-process Store with the same expiry semantics as
// the valkey one. State is lost on restart, which matches the degraded-mode
// contract.
func NewMemory() Store {
	return &memoryStore{items: make(map[string]memoryItem)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if it.expired(time.Now()) {
		delete(s.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	it := memoryItem{value: stored}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	s.items[key] = it
	return nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.items, key)
	}
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
		}
	}
	return nil
}

func (s *memoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	it, ok := s.items[key]
	if ok && it.expired(now) {
		ok = false
	}
	if !ok {
		it = memoryItem{value: []byte("1")}
		if ttl > 0 {
			it.expiresAt = now.Add(ttl)
		}
		s.items[key] = it
		return 1, nil
	}
	current, err := strconv.ParseInt(string(it.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv: memory incr on non-counter key %q: %w", key, err)
	}
	current++
	it.value = []byte(strconv.FormatInt(current, 10))
	s.items[key] = it
	return current, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close(context.Context) error { return nil }

package sessionstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   string
	token   Token
	isToken bool
	expires int64
}

// Memory is the in-process adapter. Entries expire lazily on read.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}}
}

func (m *Memory) get(key string) (memoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expires <= nowMS() {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// StoreToken implements Store.
func (m *Memory) StoreToken(_ context.Context, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token.Key] = memoryEntry{token: token, isToken: true, expires: token.Expires}
	return nil
}

// FetchToken implements Store.
func (m *Memory) FetchToken(_ context.Context, key string) (Token, error) {
	e, ok := m.get(key)
	if !ok || !e.isToken {
		return Token{}, ErrNotFound
	}
	return e.token, nil
}

// DeleteTokens implements Store.
func (m *Memory) DeleteTokens(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// ConfirmToken implements Store.
func (m *Memory) ConfirmToken(ctx context.Context, key, password string) (Session, error) {
	tok, err := m.FetchToken(ctx, key)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	return confirm(tok, password, nowMS())
}

// StoreKey implements Store.
func (m *Memory) StoreKey(_ context.Context, name string, ttl time.Duration, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = memoryEntry{value: value, expires: nowMS() + ttl.Milliseconds()}
	return nil
}

// GetKey implements Store.
func (m *Memory) GetKey(_ context.Context, name string) (string, error) {
	e, ok := m.get(name)
	if !ok || e.isToken {
		return "", ErrNotFound
	}
	return e.value, nil
}

// DeleteKeys implements Store.
func (m *Memory) DeleteKeys(ctx context.Context, names ...string) (int, error) {
	return m.DeleteTokens(ctx, names...)
}

// Quit implements Store.
func (m *Memory) Quit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]memoryEntry{}
	return nil
}

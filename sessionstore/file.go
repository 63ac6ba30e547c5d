package sessionstore

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileEntry struct {
	Value   string `json:"value,omitempty"`
	Token   *Token `json:"token,omitempty"`
	Expires int64  `json:"expires"`
}

// File persists entries as one JSON file per key under a sessions root
// directory. It is meant for single-node deployments without Redis.
type File struct {
	root string
	mu   sync.Mutex
}

// NewFile creates the sessions root if needed and returns the adapter.
func NewFile(root string) (*File, error) {
	if root == "" {
		return nil, errors.New("sessionsRoot is required for the file adapter")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &File{root: root}, nil
}

// Keys can contain characters that are not filesystem safe (":" in
// invite_code names, "-" prefixes); encode rather than sanitize.
func (f *File) path(key string) string {
	name := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(key))
	return filepath.Join(f.root, name+".json")
}

func (f *File) write(key string, e fileEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return os.WriteFile(f.path(key), data, 0o600)
}

func (f *File) read(key string) (fileEntry, error) {
	f.mu.Lock()
	data, err := os.ReadFile(f.path(key))
	f.mu.Unlock()
	if err != nil {
		return fileEntry{}, ErrNotFound
	}

	var e fileEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return fileEntry{}, ErrNotFound
	}
	if e.Expires <= nowMS() {
		f.mu.Lock()
		_ = os.Remove(f.path(key))
		f.mu.Unlock()
		return fileEntry{}, ErrNotFound
	}
	return e, nil
}

func (f *File) remove(keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if err := os.Remove(f.path(key)); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// StoreToken implements Store.
func (f *File) StoreToken(_ context.Context, token Token) error {
	return f.write(token.Key, fileEntry{Token: &token, Expires: token.Expires})
}

// FetchToken implements Store.
func (f *File) FetchToken(_ context.Context, key string) (Token, error) {
	e, err := f.read(key)
	if err != nil || e.Token == nil {
		return Token{}, ErrNotFound
	}
	return *e.Token, nil
}

// DeleteTokens implements Store.
func (f *File) DeleteTokens(_ context.Context, keys ...string) (int, error) {
	return f.remove(keys)
}

// ConfirmToken implements Store.
func (f *File) ConfirmToken(ctx context.Context, key, password string) (Session, error) {
	tok, err := f.FetchToken(ctx, key)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	return confirm(tok, password, nowMS())
}

// StoreKey implements Store.
func (f *File) StoreKey(_ context.Context, name string, ttl time.Duration, value string) error {
	return f.write(name, fileEntry{Value: value, Expires: nowMS() + ttl.Milliseconds()})
}

// GetKey implements Store.
func (f *File) GetKey(_ context.Context, name string) (string, error) {
	e, err := f.read(name)
	if err != nil || e.Token != nil {
		return "", ErrNotFound
	}
	return e.Value, nil
}

// DeleteKeys implements Store.
func (f *File) DeleteKeys(_ context.Context, names ...string) (int, error) {
	return f.remove(names)
}

// Quit implements Store.
func (f *File) Quit() error {
	return nil
}

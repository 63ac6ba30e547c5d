package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores tokens as JSON values with server-side TTLs. Keys are
// namespaced under a prefix so several deployments can share one instance.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing go-redis client. The default prefix is "cg".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "cg"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + ":" + k
}

// StoreToken implements Store.
func (r *Redis) StoreToken(ctx context.Context, token Token) error {
	ttl := tokenTTL(token, nowMS())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(token.Key), data, ttl).Err()
}

// FetchToken implements Store.
func (r *Redis) FetchToken(ctx context.Context, key string) (Token, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, ErrNotFound
	}
	// Redis TTL expiry is authoritative, but an entry written with a long
	// TTL and refreshed elsewhere could outlive its own expires stamp.
	if tok.Expires <= nowMS() {
		_ = r.client.Del(ctx, r.key(key)).Err()
		return Token{}, ErrNotFound
	}
	return tok, nil
}

// DeleteTokens implements Store.
func (r *Redis) DeleteTokens(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	n, err := r.client.Del(ctx, full...).Result()
	return int(n), err
}

// ConfirmToken implements Store.
func (r *Redis) ConfirmToken(ctx context.Context, key, password string) (Session, error) {
	tok, err := r.FetchToken(ctx, key)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	return confirm(tok, password, nowMS())
}

// StoreKey implements Store.
func (r *Redis) StoreKey(ctx context.Context, name string, ttl time.Duration, value string) error {
	return r.client.Set(ctx, r.key(name), value, ttl).Err()
}

// GetKey implements Store.
func (r *Redis) GetKey(ctx context.Context, name string) (string, error) {
	v, err := r.client.Get(ctx, r.key(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// DeleteKeys implements Store.
func (r *Redis) DeleteKeys(ctx context.Context, names ...string) (int, error) {
	return r.DeleteTokens(ctx, names...)
}

// Quit implements Store.
func (r *Redis) Quit() error {
	return r.client.Close()
}

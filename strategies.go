package couchguard

import (
	"context"
	"strings"

	"github.com/couchguard/couchguard/password"
	"github.com/couchguard/couchguard/sessionstore"
)

// BearerStrategy authenticates "key:password" bearer credentials against
// the session store.
type BearerStrategy struct {
	service *UserService
}

// NewBearerStrategy binds the strategy to a service.
func NewBearerStrategy(s *UserService) *BearerStrategy {
	return &BearerStrategy{service: s}
}

// Authenticate parses and confirms a bearer credential. Malformed input is
// rejected without touching the store.
func (b *BearerStrategy) Authenticate(ctx context.Context, credentials string) (sessionstore.Session, error) {
	key, pass, ok := strings.Cut(credentials, ":")
	if !ok || key == "" || pass == "" {
		return sessionstore.Session{}, unauthorized("unauthorized", "invalid token")
	}
	return b.service.ConfirmSession(ctx, key, pass)
}

// LocalStrategy authenticates a login identifier and password against the
// user database, driving the lockout state machine on failures.
type LocalStrategy struct {
	service *UserService
}

// NewLocalStrategy binds the strategy to a service.
func NewLocalStrategy(s *UserService) *LocalStrategy {
	return &LocalStrategy{service: s}
}

// Authenticate resolves the user by any enabled login key and verifies the
// password. The returned user is the full document; callers typically pass
// it straight to CreateSession.
func (l *LocalStrategy) Authenticate(ctx context.Context, login, plain string, req Request) (*UserDoc, error) {
	cfg := l.service.cfg

	user, err := l.service.Get(ctx, login)
	if err != nil {
		if ErrorKey(err) == "username_not_found" {
			return nil, ErrFailedLogin
		}
		return nil, err
	}

	if user.Local != nil && user.Local.LockedUntil > nowMS() {
		if !cfg.Security.SoftLock {
			return nil, ErrSoftLocked
		}
		if !req.CaptchaPassed() {
			return nil, ErrMissingCaptcha
		}
	}

	if user.Local == nil || user.Local.DerivedKey == "" {
		return nil, ErrFailedLogin
	}

	if err := password.Verify(user.Local.Record, plain); err != nil {
		locked, lockErr := l.service.HandleFailedLogin(ctx, user.ID, req)
		if lockErr != nil {
			return nil, lockErr
		}
		if locked {
			return nil, ErrLocked(int(cfg.Security.LockoutTime.Minutes()))
		}
		return nil, ErrFailedLogin
	}

	if cfg.Local.RequireEmailConfirm && user.Email == "" {
		return nil, ErrEmailUnconfirmed
	}

	return user, nil
}

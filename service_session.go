package couchguard

import (
	"context"
	"sync"

	"github.com/couchguard/couchguard/couchdb"
	"github.com/couchguard/couchguard/dbauth"
	"github.com/couchguard/couchguard/internal"
	"github.com/couchguard/couchguard/sessionstore"
)

// Logout scopes for logoutUserSessions.
const (
	logoutAll     = "all"
	logoutOther   = "other"
	logoutExpired = "expired"
)

// CreateSession issues a session for a user who has already authenticated
// with the named provider. The token exists in the session store and is
// authorized against every personal database before it appears on the user
// document.
func (s *UserService) CreateSession(ctx context.Context, userID, provider string, req Request) (*SessionResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, pass, err := s.generateSession(ctx)
	if err != nil {
		return nil, err
	}

	issued := nowMS()
	expires := issued + s.cfg.Security.SessionLife.Milliseconds()
	token := sessionstore.Token{
		ID:       user.ID,
		Key:      key,
		Password: pass,
		Issued:   issued,
		Expires:  expires,
		Provider: provider,
		Roles:    append([]string(nil), user.Roles...),
	}

	if err := s.sessions.StoreToken(ctx, token); err != nil {
		return nil, err
	}
	if err := s.dbAuth.StoreKey(ctx, user.ID, key, pass, expires, token.Roles); err != nil {
		return nil, err
	}
	if err := s.authorizeSessionKeys(ctx, user, []string{key}); err != nil {
		return nil, err
	}

	var expiredKeys []string
	updated, err := s.updateUser(ctx, user.ID, func(doc *UserDoc) error {
		if doc.Session == nil {
			doc.Session = map[string]SessionEntry{}
		}
		doc.Session[key] = SessionEntry{
			Issued:   issued,
			Expires:  expires,
			Provider: provider,
			IP:       req.IP,
		}
		if provider == "local" && doc.Local != nil {
			doc.Local.FailedLoginAttempts = 0
			doc.Local.LockedUntil = 0
		}
		doc.AddActivity(ActivityEntry{
			Timestamp: issued,
			Action:    "login",
			Provider:  provider,
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)

		expiredKeys = doc.ExpiredSessionKeys(issued)
		for _, k := range expiredKeys {
			delete(doc.Session, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cleanupSessionKeys(ctx, updated.PersonalDBNames(), expiredKeys); err != nil {
		s.log.Warn().Err(err).Str("user", user.ID).Msg("expired session cleanup failed")
	}

	s.events.Emit(Event{Name: EventLogin, UserID: user.ID, Provider: provider, Session: key})
	return s.sessionResponse(updated, token, req), nil
}

// generateSession produces the key/password pair, preferring the backend's
// own key generator when the adapter offers one.
func (s *UserService) generateSession(ctx context.Context) (string, string, error) {
	if gen, ok := s.dbAuth.Adapter().(dbauth.KeyGenerator); ok {
		return gen.GenerateKey(ctx)
	}
	return internal.URLSafeUUID(), internal.URLSafeUUID(), nil
}

// authorizeSessionKeys grants keys membership in each personal database,
// resolving permissions from configuration when the document does not pin
// them.
func (s *UserService) authorizeSessionKeys(ctx context.Context, user *UserDoc, keys []string) error {
	settings := s.dbAuth.Settings()
	for final, entry := range user.PersonalDBs {
		perms := entry.Permissions
		if perms == nil {
			perms = dbauth.GetDBConfig(settings, entry.Name, entry.Type).Permissions
		}
		if err := s.dbAuth.AuthorizeUserSessions(ctx, []string{final}, keys, perms, entry.MemberRoles); err != nil {
			return err
		}
	}
	return nil
}

// sessionResponse assembles the payload handed back to the client,
// embedding credentialed URLs for every personal database.
func (s *UserService) sessionResponse(user *UserDoc, token sessionstore.Token, req Request) *SessionResponse {
	dbs := make(map[string]string, len(user.PersonalDBs))
	for final, entry := range user.PersonalDBs {
		dbs[entry.Name] = couchdb.CredentialedDBURL(s.cfg.DBServer.Config, token.Key, token.Password, final)
	}

	return &SessionResponse{
		Token:     token.Key,
		Password:  token.Password,
		UserID:    user.ID,
		UserEmail: user.Email,
		UserPhone: user.Phone,
		Roles:     token.Roles,
		Issued:    token.Issued,
		Expires:   token.Expires,
		Provider:  token.Provider,
		IP:        req.IP,
		Profile:   s.mappedProfile(user),
		UserDBs:   dbs,
	}
}

// RefreshSession extends a live session by a full session lifetime. Other
// sessions are untouched.
func (s *UserService) RefreshSession(ctx context.Context, key string) (*SessionResponse, error) {
	token, err := s.sessions.FetchToken(ctx, key)
	if err != nil {
		return nil, ErrUnauthorized
	}

	now := nowMS()
	token.Issued = now
	token.Expires = now + s.cfg.Security.SessionLife.Milliseconds()
	if err := s.sessions.StoreToken(ctx, token); err != nil {
		return nil, err
	}
	if err := s.dbAuth.StoreKey(ctx, token.ID, token.Key, token.Password, token.Expires, token.Roles); err != nil {
		return nil, err
	}

	var expiredKeys []string
	updated, err := s.updateUser(ctx, token.ID, func(doc *UserDoc) error {
		entry, ok := doc.Session[key]
		if !ok {
			return ErrUnauthorized
		}
		entry.Issued = token.Issued
		entry.Expires = token.Expires
		doc.Session[key] = entry

		expiredKeys = doc.ExpiredSessionKeys(now)
		for _, k := range expiredKeys {
			delete(doc.Session, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cleanupSessionKeys(ctx, updated.PersonalDBNames(), expiredKeys); err != nil {
		s.log.Warn().Err(err).Str("user", token.ID).Msg("expired session cleanup failed")
	}

	s.events.Emit(Event{Name: EventRefresh, UserID: token.ID, Session: key})
	return s.sessionResponse(updated, token, Request{}), nil
}

// ConfirmSession validates a key/password pair against the session store.
func (s *UserService) ConfirmSession(ctx context.Context, key, password string) (sessionstore.Session, error) {
	sess, err := s.sessions.ConfirmToken(ctx, key, password)
	if err != nil {
		return sessionstore.Session{}, ErrUnauthorized
	}
	return sess, nil
}

// HandleFailedLogin counts a failed password attempt and locks the account
// once the threshold is exceeded. It reports whether the account is now
// locked. With lockout disabled it does nothing.
func (s *UserService) HandleFailedLogin(ctx context.Context, userID string, req Request) (bool, error) {
	max := s.cfg.Security.MaxFailedLogins
	if max <= 0 {
		return false, nil
	}

	locked := false
	_, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		if doc.Local == nil {
			doc.Local = &LocalCredentials{}
		}
		doc.Local.FailedLoginAttempts++
		if doc.Local.FailedLoginAttempts > max {
			doc.Local.LockedUntil = nowMS() + s.cfg.Security.LockoutTime.Milliseconds()
			locked = true
		}
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "failed login",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	return locked, err
}

/*
====================================
LOGOUT
====================================
*/

// LogoutUser terminates every session for a user, addressed either by user
// id or by one of their session keys.
func (s *UserService) LogoutUser(ctx context.Context, userID, sessionID string) error {
	var user *UserDoc
	var err error
	switch {
	case userID != "":
		user, err = s.loadUser(ctx, userID)
	case sessionID != "":
		user, err = s.userByView(ctx, "session", sessionID)
	default:
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}

	if _, err := s.logoutUserSessions(ctx, user, logoutAll, ""); err != nil {
		return err
	}
	if err := s.persist(ctx, user); err != nil {
		return err
	}

	s.events.Emit(Event{Name: EventLogout, UserID: user.ID})
	s.events.Emit(Event{Name: EventLogoutAll, UserID: user.ID})
	return nil
}

// LogoutSession terminates exactly one session.
func (s *UserService) LogoutSession(ctx context.Context, sessionID string) error {
	return s.logoutScoped(ctx, sessionID, false)
}

// LogoutOthers terminates every session except the given one.
func (s *UserService) LogoutOthers(ctx context.Context, sessionID string) error {
	return s.logoutScoped(ctx, sessionID, true)
}

func (s *UserService) logoutScoped(ctx context.Context, sessionID string, others bool) error {
	user, err := s.userByView(ctx, "session", sessionID)
	if err != nil {
		return err
	}

	before := len(user.Session)
	if others {
		if _, err := s.logoutUserSessions(ctx, user, logoutOther, sessionID); err != nil {
			return err
		}
	} else {
		if err := s.cleanupSessionKeys(ctx, user.PersonalDBNames(), []string{sessionID}); err != nil {
			return err
		}
		delete(user.Session, sessionID)
		if _, err := s.logoutUserSessions(ctx, user, logoutExpired, ""); err != nil {
			return err
		}
	}

	if len(user.Session) != before {
		if err := s.persist(ctx, user); err != nil {
			return err
		}
	}

	s.events.Emit(Event{Name: EventLogout, UserID: user.ID, Session: sessionID})
	return nil
}

// logoutUserSessions revokes the scoped set of sessions: token deletion,
// key removal, and per-database deauthorization run in parallel and all
// complete before the document is pruned. Persisting is the caller's job.
func (s *UserService) logoutUserSessions(ctx context.Context, user *UserDoc, op, currentSession string) (bool, error) {
	var keys []string
	switch op {
	case logoutAll:
		keys = user.SessionKeys()
	case logoutOther:
		for _, k := range user.SessionKeys() {
			if k != currentSession {
				keys = append(keys, k)
			}
		}
	case logoutExpired:
		keys = user.ExpiredSessionKeys(nowMS())
	}
	if len(keys) == 0 {
		return false, nil
	}

	if err := s.cleanupSessionKeys(ctx, user.PersonalDBNames(), keys); err != nil {
		return false, err
	}

	if op == logoutAll {
		user.Session = nil
	} else {
		for _, k := range keys {
			delete(user.Session, k)
		}
	}
	return true, nil
}

// cleanupSessionKeys removes keys from the session store, the database auth
// store, and every personal database's membership, concurrently.
func (s *UserService) cleanupSessionKeys(ctx context.Context, dbNames, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		_, errs[0] = s.sessions.DeleteTokens(ctx, keys...)
	}()
	go func() {
		defer wg.Done()
		errs[1] = s.dbAuth.RemoveKeys(ctx, keys...)
	}()
	go func() {
		defer wg.Done()
		errs[2] = s.dbAuth.DeauthorizeUser(ctx, dbNames, keys)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

package couchguard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/couchguard/couchguard/couchdb"
	"github.com/couchguard/couchguard/dbauth"
	"github.com/couchguard/couchguard/mailer"
	"github.com/couchguard/couchguard/sessionstore"
	"github.com/couchguard/couchguard/usermodel"
)

// writeRetries bounds the optimistic-concurrency retry loop on user
// document writes.
const writeRetries = 3

// UserDB is the slice of the document store the core consumes. It is
// satisfied by [couchdb.Database].
type UserDB interface {
	Get(ctx context.Context, id string, out any) error
	Put(ctx context.Context, id string, doc any) (string, error)
	Delete(ctx context.Context, id, rev string) error
	Query(ctx context.Context, ddoc, view string, opts couchdb.ViewOptions) (*couchdb.ViewResult, error)
	AllDocs(ctx context.Context, opts couchdb.ViewOptions) (*couchdb.ViewResult, error)
	EnsureDesignDoc(ctx context.Context, dd *couchdb.DesignDoc) error
}

// DBAuth is the credential and provisioning surface the core consumes. It
// is satisfied by [dbauth.Manager].
type DBAuth interface {
	Settings() dbauth.Settings
	Adapter() dbauth.Adapter
	FinalDBName(logicalName, dbType, userID string) string
	AddUserDB(ctx context.Context, userID, logicalName string, designDocs []string, dbType string, permissions, adminRoles, memberRoles []string) (string, error)
	StoreKey(ctx context.Context, userID, key, password string, expires int64, roles []string) error
	RemoveKeys(ctx context.Context, keys ...string) error
	AuthorizeUserSessions(ctx context.Context, dbNames, keys []string, permissions, roles []string) error
	DeauthorizeUser(ctx context.Context, dbNames, keys []string) error
	RemoveDB(ctx context.Context, physicalName string) error
	RemoveExpiredKeys(ctx context.Context) ([]string, error)
}

// UserService orchestrates account lifecycle, sessions, and per-user
// database access. Build one through [New]; it is safe for concurrent use.
type UserService struct {
	cfg      Config
	userDB   UserDB
	sessions sessionstore.Store
	dbAuth   DBAuth
	mail     mailer.Sender
	events   *Events
	log      zerolog.Logger

	model    usermodel.Model
	phoneRe  *regexp.Regexp
	onCreate []Transform
	onLink   []Transform
}

// Builder assembles a UserService. Collaborators not supplied explicitly
// are constructed from the configuration where possible.
type Builder struct {
	cfg      Config
	userDB   UserDB
	sessions sessionstore.Store
	dbAuth   DBAuth
	mail     mailer.Sender
	events   *Events
	log      zerolog.Logger
	built    bool
}

// New starts a Builder with the default configuration.
func New() *Builder {
	return &Builder{cfg: DefaultConfig(), log: zerolog.Nop()}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithUserDB injects the users database.
func (b *Builder) WithUserDB(db UserDB) *Builder {
	b.userDB = db
	return b
}

// WithSessionStore injects the session store, overriding session.adapter.
func (b *Builder) WithSessionStore(store sessionstore.Store) *Builder {
	b.sessions = store
	return b
}

// WithDBAuth injects the database auth manager.
func (b *Builder) WithDBAuth(auth DBAuth) *Builder {
	b.dbAuth = auth
	return b
}

// WithMailer injects the transactional mail sender.
func (b *Builder) WithMailer(m mailer.Sender) *Builder {
	b.mail = m
	return b
}

// WithEvents injects the lifecycle event dispatcher.
func (b *Builder) WithEvents(e *Events) *Builder {
	b.events = e
	return b
}

// WithLogger injects the logger; the default discards everything.
func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.log = log
	return b
}

// Build validates the configuration, fills in missing collaborators, and
// returns the service.
func (b *Builder) Build() (*UserService, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &UserService{
		cfg:      cfg,
		userDB:   b.userDB,
		sessions: b.sessions,
		dbAuth:   b.dbAuth,
		mail:     b.mail,
		events:   b.events,
		log:      b.log,
	}

	if s.userDB == nil || s.dbAuth == nil {
		client := couchdb.NewClient(cfg.DBServer.Config, nil, b.log)
		if s.userDB == nil {
			s.userDB = client.DB(cfg.DBServer.UserDB)
		}
		if s.dbAuth == nil {
			settings := cfg.UserDBs
			if settings.CouchAuthDB == "" {
				settings.CouchAuthDB = cfg.DBServer.CouchAuthDB
			}
			var adapter dbauth.Adapter
			if cfg.DBServer.Cloudant {
				adapter = dbauth.NewCloudant(couchdb.ServerURL(cfg.DBServer.Config), nil)
			}
			s.dbAuth = dbauth.NewManager(client, adapter, settings, b.log)
		}
	}

	if s.sessions == nil {
		store, err := buildSessionStore(cfg.Session)
		if err != nil {
			return nil, err
		}
		s.sessions = store
	}

	if s.events == nil {
		s.events = NewEvents(0, b.log)
	}

	if s.mail == nil {
		mailCfg := cfg.Mailer
		if cfg.TestMode.NoEmail {
			mailCfg.NoEmail = true
		}
		s.mail = mailer.New(mailCfg, b.log)
	}

	if cfg.Local.PhoneRegexp != "" {
		re, err := regexp.Compile(cfg.Local.PhoneRegexp)
		if err != nil {
			return nil, err
		}
		s.phoneRe = re
	}

	s.model = s.buildUserModel()

	return s, nil
}

func buildSessionStore(cfg SessionConfig) (sessionstore.Store, error) {
	switch cfg.Adapter {
	case "memory":
		return sessionstore.NewMemory(), nil
	case "file":
		return sessionstore.NewFile(cfg.SessionsRoot)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return sessionstore.NewRedis(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown session adapter %q", cfg.Adapter)
	}
}

// Events exposes the dispatcher for subscribing to the lifecycle catalogue.
func (s *UserService) Events() *Events {
	return s.events
}

// Config returns the active configuration.
func (s *UserService) Config() Config {
	return s.cfg
}

/*
====================================
LOGIN TYPE & LOOKUPS
====================================
*/

// LoginType classifies a login identifier against the enabled username
// keys, in their configured order.
func (s *UserService) LoginType(login string) string {
	for _, key := range s.cfg.Local.UsernameKeys {
		switch key {
		case "email":
			if usermodel.ValidEmailFormat(login) {
				return "email"
			}
		case "phone":
			if usermodel.ValidPhoneFormat(login, s.phoneRe) {
				return "phone"
			}
		}
	}
	return "username"
}

// Get resolves a user by any enabled login key; a login that no view
// matches is then tried as a document id.
func (s *UserService) Get(ctx context.Context, login string) (*UserDoc, error) {
	view := s.LoginType(login)
	if s.cfg.Local.EmailUsername && view != "phone" {
		view = "emailUsername"
	}

	user, err := s.userByView(ctx, view, login)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUsernameNotFound) {
		return nil, err
	}

	var doc UserDoc
	if getErr := s.userDB.Get(ctx, login, &doc); getErr == nil {
		return &doc, nil
	}
	return nil, err
}

// userByView queries auth/<view> by key and decodes the first row.
func (s *UserService) userByView(ctx context.Context, view string, key any) (*UserDoc, error) {
	res, err := s.userDB.Query(ctx, couchdb.AuthDesignName, view, couchdb.ViewOptions{
		Key:         key,
		IncludeDocs: true,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, ErrUsernameNotFound
	}

	var doc UserDoc
	if err := couchdb.DecodeDoc(res.Rows[0], &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// viewHasKey reports whether any user document indexes the key.
func (s *UserService) viewHasKey(ctx context.Context, view string, key string) (bool, error) {
	res, err := s.userDB.Query(ctx, couchdb.AuthDesignName, view, couchdb.ViewOptions{Key: key, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

// generateUsername finds the lowest free id of the form base, base1,
// base2, ... using an _all_docs range scan over [base, base+"￿"].
// The range bounds are part of the on-disk contract with existing data.
func (s *UserService) generateUsername(ctx context.Context, base string) (string, error) {
	res, err := s.userDB.AllDocs(ctx, couchdb.ViewOptions{
		StartKey: base,
		EndKey:   base + "￿",
	})
	if err != nil {
		return "", err
	}

	taken := make(map[string]bool, len(res.Rows))
	for _, row := range res.Rows {
		taken[row.ID] = true
	}

	if !taken[base] {
		return base, nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s%d", base, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

/*
====================================
DESIGN DOCS & SETUP
====================================
*/

// SetupDesignDocs seeds the auth design document, including one view per
// configured federated provider, into the users database.
func (s *UserService) SetupDesignDocs(ctx context.Context) error {
	keys := append([]string(nil), s.cfg.Local.UsernameKeys...)
	dd := couchdb.AuthDesignDoc(s.cfg.DBServer.TypeField, keys)
	couchdb.AddProvidersToDesignDoc(s.cfg.DBServer.TypeField, s.cfg.Providers, dd)
	return s.userDB.EnsureDesignDoc(ctx, dd)
}

/*
====================================
DOCUMENT WRITE HELPERS
====================================
*/

func (s *UserService) loadUser(ctx context.Context, userID string) (*UserDoc, error) {
	var doc UserDoc
	if err := s.userDB.Get(ctx, userID, &doc); err != nil {
		if errors.Is(err, couchdb.ErrNotFound) {
			return nil, ErrUsernameNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// updateUser runs a read-mutate-write cycle with bounded retry on revision
// conflicts. mutate sees a freshly read document on every attempt.
func (s *UserService) updateUser(ctx context.Context, userID string, mutate func(*UserDoc) error) (*UserDoc, error) {
	for attempt := 0; attempt < writeRetries; attempt++ {
		doc, err := s.loadUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := mutate(doc); err != nil {
			return nil, err
		}

		rev, err := s.userDB.Put(ctx, doc.ID, doc)
		if err == nil {
			doc.Rev = rev
			return doc, nil
		}
		if !errors.Is(err, couchdb.ErrConflict) {
			return nil, err
		}
		s.log.Debug().Str("user", userID).Int("attempt", attempt+1).Msg("revision conflict, retrying")
	}
	return nil, ErrWriteConflict
}

// persist writes doc and refreshes its revision.
func (s *UserService) persist(ctx context.Context, doc *UserDoc) error {
	rev, err := s.userDB.Put(ctx, doc.ID, doc)
	if err != nil {
		return err
	}
	doc.Rev = rev
	return nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

/*
====================================
USER MODEL
====================================
*/

// buildUserModel merges the base model with the configured overlay and
// registers the uniqueness validators.
func (s *UserService) buildUserModel() usermodel.Model {
	base := usermodel.Model{
		Whitelist: []string{
			s.cfg.Local.UsernameField,
			s.cfg.Local.PasswordField,
			"confirmPassword",
			"email",
			"phone",
			"username",
		},
		Sanitize: map[string][]string{
			"username": {"trim", "toLowerCase"},
			"email":    {"trim", "toLowerCase"},
		},
		Validate: map[string]usermodel.FieldRules{
			s.cfg.Local.PasswordField: {
				Presence: true,
				Length:   &usermodel.LengthRule{Minimum: 6, Message: "must be at least 6 characters"},
			},
			"confirmPassword": {Presence: true, Matches: s.cfg.Local.PasswordField},
		},
		CustomValidators: map[string]usermodel.CustomValidator{
			"validateEmail":    s.validateEmail,
			"validatePhone":    s.validatePhone,
			"validateUsername": s.validateUsername,
		},
	}

	for _, key := range s.cfg.Local.UsernameKeys {
		rules := base.Validate[key]
		switch key {
		case "email":
			rules.Custom = append(rules.Custom, "validateEmail")
		case "phone":
			rules.Custom = append(rules.Custom, "validatePhone")
		case "username":
			rules.Custom = append(rules.Custom, "validateUsername")
		}
		base.Validate[key] = rules
	}

	return usermodel.Merge(base, s.cfg.UserModel)
}

func (s *UserService) validateEmail(ctx context.Context, value string) (string, error) {
	if !usermodel.ValidEmailFormat(value) {
		return "invalid email address", nil
	}
	inUse, err := s.viewHasKey(ctx, "email", value)
	if err != nil {
		return "", err
	}
	if inUse {
		return "already in use", nil
	}
	return "", nil
}

func (s *UserService) validatePhone(ctx context.Context, value string) (string, error) {
	if !usermodel.ValidPhoneFormat(value, s.phoneRe) {
		return "invalid phone number", nil
	}
	inUse, err := s.viewHasKey(ctx, "phone", value)
	if err != nil {
		return "", err
	}
	if inUse {
		return "already in use", nil
	}
	return "", nil
}

func (s *UserService) validateUsername(ctx context.Context, value string) (string, error) {
	if !usermodel.ValidUsernameFormat(value) {
		return "may only contain lowercase letters, numbers, underscores and dashes", nil
	}
	inUse, err := s.viewHasKey(ctx, "username", value)
	if err != nil {
		return "", err
	}
	if inUse {
		return "already in use", nil
	}
	// With the username-as-id scheme the taken name lives in _id, not in
	// the username view.
	if !s.cfg.Local.UUIDAsID {
		var probe UserDoc
		switch err := s.userDB.Get(ctx, value, &probe); {
		case err == nil:
			return "already in use", nil
		case !errors.Is(err, couchdb.ErrNotFound):
			return "", err
		}
	}
	return "", nil
}

/*
====================================
PROFILE MAPPING
====================================
*/

// mappedProfile synthesizes the session profile from the stored profile
// plus the configured provider mappings, first matching source wins.
func (s *UserService) mappedProfile(user *UserDoc) map[string]any {
	mapping := s.cfg.Session.ProfileMapping
	if len(mapping) == 0 {
		return user.Profile
	}

	profile := map[string]any{}
	for k, v := range user.Profile {
		profile[k] = v
	}
	for field, sources := range mapping {
		for _, src := range sources {
			entry, ok := user.ProviderData(src.Provider)
			if !ok {
				continue
			}
			if v, ok := entry.Profile[src.Field]; ok && v != nil {
				profile[field] = v
				break
			}
		}
	}
	return profile
}

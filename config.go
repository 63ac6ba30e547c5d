package couchguard

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/couchguard/couchguard/couchdb"
	"github.com/couchguard/couchguard/dbauth"
	"github.com/couchguard/couchguard/mailer"
	"github.com/couchguard/couchguard/usermodel"
)

// Config defines everything the user core recognises. Callers usually start
// from DefaultConfig and override selectively.
type Config struct {
	Security  SecurityConfig
	Local     LocalConfig
	DBServer  DBServerConfig
	Session   SessionConfig
	UserDBs   dbauth.Settings
	Mailer    mailer.Config
	UserModel usermodel.Model
	// Providers lists the federated provider names whose views are
	// injected into the auth design document. Handshakes themselves are
	// the OAuth layer's business.
	Providers []string
	TestMode  TestModeConfig
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig covers lockout, invites, roles, and token lifetimes.
type SecurityConfig struct {
	DefaultRoles           []string
	UserActivityLogSize    int
	InviteOnlyRegistration bool
	// MaxFailedLogins of zero disables lockout entirely.
	MaxFailedLogins int
	LockoutTime     time.Duration
	SoftLock        bool
	TokenLife       time.Duration
	SessionLife     time.Duration
}

/*
====================================
LOCAL AUTH CONFIG
====================================
*/

// LocalConfig governs password-based accounts.
type LocalConfig struct {
	// EmailUsername treats the email address as the username, switching
	// login lookups to the emailUsername view.
	EmailUsername bool
	// UsernameKeys is the subset of {"username","email","phone"} usable
	// as a login identifier.
	UsernameKeys []string
	// UsernameField and PasswordField name the incoming form fields.
	UsernameField       string
	PasswordField       string
	SendConfirmEmail    bool
	RequireEmailConfirm bool
	// UUIDAsID assigns generated 32-hex ids; otherwise the username is
	// renamed into _id.
	UUIDAsID    bool
	PhoneRegexp string
}

/*
====================================
DB SERVER CONFIG
====================================
*/

// DBServerConfig locates the CouchDB (or Cloudant) server.
type DBServerConfig struct {
	couchdb.Config
	// UserDB is the database holding user documents.
	UserDB string
	// CouchAuthDB holds session-key credentials, normally "_users".
	CouchAuthDB string
	// TypeField is the document field carrying the "user" marker.
	TypeField string
	Cloudant  bool
}

/*
====================================
SESSION CONFIG
====================================
*/

// RedisConfig locates the Redis instance for the redis session adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProfileSource is one step of a profile mapping: read Field from the named
// provider's profile. Order in the slice is the precedence order.
type ProfileSource struct {
	Provider string
	Field    string
}

// SessionConfig selects and configures the session store adapter.
type SessionConfig struct {
	// Adapter is "memory", "file", or "redis".
	Adapter string
	// SessionsRoot is the directory for the file adapter.
	SessionsRoot string
	Redis        RedisConfig
	Prefix       string
	// ProfileMapping synthesizes session profile fields from provider
	// profiles; the first source carrying the field wins.
	ProfileMapping map[string][]ProfileSource
}

// TestModeConfig relaxes external side effects for tests.
type TestModeConfig struct {
	NoEmail bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Security: SecurityConfig{
			DefaultRoles:        []string{"user"},
			UserActivityLogSize: 10,
			LockoutTime:         10 * time.Minute,
			TokenLife:           24 * time.Hour,
			SessionLife:         24 * time.Hour,
		},
		Local: LocalConfig{
			UsernameKeys:  []string{"username"},
			UsernameField: "username",
			PasswordField: "password",
		},
		DBServer: DBServerConfig{
			Config:      couchdb.Config{Protocol: "http://", Host: "localhost:5984"},
			UserDB:      "cg-users",
			CouchAuthDB: "_users",
			TypeField:   "type",
		},
		Session: SessionConfig{
			Adapter: "memory",
			Prefix:  "cg",
		},
		UserDBs: dbauth.Settings{
			PrivatePrefix: "cg",
			CouchAuthDB:   "_users",
		},
	}
}

var validUsernameKeys = map[string]bool{"username": true, "email": true, "phone": true}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if len(c.Local.UsernameKeys) == 0 {
		return errors.New("local.usernameKeys must not be empty")
	}
	for _, key := range c.Local.UsernameKeys {
		if !validUsernameKeys[key] {
			return fmt.Errorf("local.usernameKeys: %q is not one of username, email, phone", key)
		}
	}
	if c.Local.PasswordField == "" {
		return errors.New("local.passwordField must be set")
	}
	if c.Local.UsernameField == "" {
		return errors.New("local.usernameField must be set")
	}
	if c.Local.PhoneRegexp != "" {
		if _, err := regexp.Compile(c.Local.PhoneRegexp); err != nil {
			return fmt.Errorf("local.phoneRegexp: %w", err)
		}
	}

	if c.Security.MaxFailedLogins > 0 && c.Security.LockoutTime <= 0 {
		return errors.New("security.lockoutTime must be > 0 when maxFailedLogins is set")
	}
	if c.Security.SessionLife <= 0 {
		return errors.New("security.sessionLife must be > 0")
	}
	if c.Security.TokenLife <= 0 {
		return errors.New("security.tokenLife must be > 0")
	}
	if c.Security.UserActivityLogSize < 0 {
		return errors.New("security.userActivityLogSize must be >= 0")
	}

	switch c.Session.Adapter {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			return errors.New("session.redis.addr is required for the redis adapter")
		}
	case "file":
		if c.Session.SessionsRoot == "" {
			return errors.New("session.file.sessionsRoot is required for the file adapter")
		}
	default:
		return fmt.Errorf("session.adapter must be memory, file, or redis, got %q", c.Session.Adapter)
	}

	if c.DBServer.UserDB == "" {
		return errors.New("dbServer.userDB must be set")
	}
	if c.DBServer.Host == "" {
		return errors.New("dbServer.host must be set")
	}

	return nil
}

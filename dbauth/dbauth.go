// Package dbauth provisions per-user databases and manages the session keys
// the backing database recognises as credentials. The CouchDB adapter writes
// keys into the server's _users database and grants membership through
// _security documents; the Cloudant adapter delegates key generation to the
// service API.
package dbauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/couchguard/couchguard/couchdb"
)

// DBModel describes one user database in configuration. The "_default"
// entry supplies fallbacks for every database.
type DBModel struct {
	Type        string   `json:"type"`
	DesignDocs  []string `json:"designDocs"`
	Permissions []string `json:"permissions"`
	AdminRoles  []string `json:"adminRoles"`
	MemberRoles []string `json:"memberRoles"`
}

// SecurityRoleDefaults is merged into every provisioned database's
// _security document.
type SecurityRoleDefaults struct {
	Admins  []string `json:"admins"`
	Members []string `json:"members"`
}

// Settings is the userDBs configuration consumed by the Manager.
type Settings struct {
	DefaultSecurityRoles SecurityRoleDefaults
	Model                map[string]DBModel
	DefaultPrivateDBs    []string
	DefaultSharedDBs     []string
	PrivatePrefix        string
	DesignDocDir         string
	// CouchAuthDB is the database holding session-key credentials.
	CouchAuthDB string
}

// DBConfig is the fully resolved configuration for one database.
type DBConfig struct {
	Name        string
	Type        string
	Permissions []string
	AdminRoles  []string
	MemberRoles []string
	DesignDocs  []string
}

// GetDBConfig merges the "_default" model entry with the per-database entry
// for logicalName. typeDefault applies when neither specifies a type.
func GetDBConfig(settings Settings, logicalName, typeDefault string) DBConfig {
	cfg := DBConfig{Name: logicalName, Type: typeDefault}

	apply := func(m DBModel) {
		if m.Type != "" {
			cfg.Type = m.Type
		}
		if m.DesignDocs != nil {
			cfg.DesignDocs = m.DesignDocs
		}
		if m.Permissions != nil {
			cfg.Permissions = m.Permissions
		}
		if m.AdminRoles != nil {
			cfg.AdminRoles = m.AdminRoles
		}
		if m.MemberRoles != nil {
			cfg.MemberRoles = m.MemberRoles
		}
	}

	if m, ok := settings.Model["_default"]; ok {
		apply(m)
	}
	if m, ok := settings.Model[logicalName]; ok {
		apply(m)
	}
	return cfg
}

// Adapter is the backend-specific part of key lifecycle management.
type Adapter interface {
	// StoreKey makes the key a credential the database recognises until
	// expires (milliseconds since epoch). The password is hashed at rest
	// by the backend.
	StoreKey(ctx context.Context, userID, key, password string, expires int64, roles []string) error
	// RemoveKeys deletes credentials.
	RemoveKeys(ctx context.Context, keys ...string) error
	// AuthorizeKeys grants the keys membership in db.
	AuthorizeKeys(ctx context.Context, db *couchdb.Database, keys []string, permissions, roles []string) error
	// DeauthorizeKeys revokes membership in db.
	DeauthorizeKeys(ctx context.Context, db *couchdb.Database, keys []string) error
	// RemoveExpiredKeys deletes every credential past its expires stamp
	// and returns the removed key names.
	RemoveExpiredKeys(ctx context.Context) ([]string, error)
}

// KeyGenerator is implemented by adapters whose backing service issues API
// keys itself (Cloudant). Session creation consults it before generating a
// key locally.
type KeyGenerator interface {
	GenerateKey(ctx context.Context) (key, password string, err error)
}

// Manager ties an Adapter to the CouchDB server and the userDBs settings.
type Manager struct {
	client   *couchdb.Client
	adapter  Adapter
	settings Settings
	log      zerolog.Logger
}

// NewManager builds a Manager. adapter may be nil, in which case the plain
// CouchDB adapter is used.
func NewManager(client *couchdb.Client, adapter Adapter, settings Settings, log zerolog.Logger) *Manager {
	if settings.CouchAuthDB == "" {
		settings.CouchAuthDB = "_users"
	}
	if adapter == nil {
		adapter = NewCouchAdapter(client, settings.CouchAuthDB)
	}
	return &Manager{client: client, adapter: adapter, settings: settings, log: log}
}

// Settings returns the userDBs settings the Manager was built with.
func (m *Manager) Settings() Settings {
	return m.settings
}

// Adapter exposes the backend adapter, mainly so callers can test for
// KeyGenerator support.
func (m *Manager) Adapter() Adapter {
	return m.adapter
}

// FinalDBName resolves the physical name for a logical database.
func (m *Manager) FinalDBName(logicalName, dbType, userID string) string {
	if dbType == "shared" {
		return logicalName
	}
	prefix := m.settings.PrivatePrefix
	if prefix != "" {
		prefix += "_"
	}
	return fmt.Sprintf("%s%s$%s", prefix, logicalName, userID)
}

// AddUserDB provisions a database for userID and returns the physical name.
// Private databases are created on demand; shared databases are only
// secured once.
func (m *Manager) AddUserDB(
	ctx context.Context,
	userID, logicalName string,
	designDocs []string,
	dbType string,
	permissions, adminRoles, memberRoles []string,
) (string, error) {
	finalName := m.FinalDBName(logicalName, dbType, userID)

	exists, err := m.client.DBExists(ctx, finalName)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := m.client.CreateDB(ctx, finalName); err != nil {
			return "", err
		}
	}
	db := m.client.DB(finalName)

	// Shared databases keep whatever security they already have; private
	// databases are always (re)secured for their owner.
	if dbType != "shared" || !exists {
		sec := &couchdb.SecurityDoc{
			Admins: couchdb.SecurityRoles{
				Roles: union(m.settings.DefaultSecurityRoles.Admins, adminRoles),
			},
			Members: couchdb.SecurityRoles{
				Roles: union(m.settings.DefaultSecurityRoles.Members, memberRoles),
			},
		}
		if err := db.PutSecurity(ctx, sec); err != nil {
			return "", err
		}
	}

	for _, name := range designDocs {
		dd, err := m.loadDesignDoc(name)
		if err != nil {
			return "", err
		}
		if err := db.EnsureDesignDoc(ctx, dd); err != nil {
			return "", err
		}
	}

	return finalName, nil
}

func (m *Manager) loadDesignDoc(name string) (*couchdb.DesignDoc, error) {
	path := filepath.Join(m.settings.DesignDocDir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("design doc %q: %w", name, err)
	}

	var dd couchdb.DesignDoc
	if err := json.Unmarshal(data, &dd); err != nil {
		return nil, fmt.Errorf("design doc %q: %w", name, err)
	}
	dd.ID = "_design/" + name
	dd.Rev = ""
	return &dd, nil
}

// StoreKey delegates to the adapter.
func (m *Manager) StoreKey(ctx context.Context, userID, key, password string, expires int64, roles []string) error {
	return m.adapter.StoreKey(ctx, userID, key, password, expires, roles)
}

// RemoveKeys delegates to the adapter.
func (m *Manager) RemoveKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return m.adapter.RemoveKeys(ctx, keys...)
}

// AuthorizeUserSessions grants keys membership in every listed physical
// database.
func (m *Manager) AuthorizeUserSessions(ctx context.Context, dbNames, keys []string, permissions, roles []string) error {
	for _, name := range dbNames {
		if err := m.adapter.AuthorizeKeys(ctx, m.client.DB(name), keys, permissions, roles); err != nil {
			return err
		}
	}
	return nil
}

// DeauthorizeUser revokes keys across all listed physical databases.
// Revocation keeps going past individual failures so one broken database
// cannot pin a session's access elsewhere.
func (m *Manager) DeauthorizeUser(ctx context.Context, dbNames, keys []string) error {
	var firstErr error
	for _, name := range dbNames {
		if err := m.adapter.DeauthorizeKeys(ctx, m.client.DB(name), keys); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.log.Warn().Err(err).Str("db", name).Msg("deauthorize failed")
		}
	}
	return firstErr
}

// RemoveDB destroys a database.
func (m *Manager) RemoveDB(ctx context.Context, physicalName string) error {
	return m.client.DeleteDB(ctx, physicalName)
}

// RemoveExpiredKeys delegates to the adapter.
func (m *Manager) RemoveExpiredKeys(ctx context.Context) ([]string, error) {
	return m.adapter.RemoveExpiredKeys(ctx)
}

func union(lists ...[]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, list := range lists {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

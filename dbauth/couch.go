package dbauth

import (
	"context"
	"errors"

	"github.com/couchguard/couchguard/couchdb"
)

const keyDocPrefix = "org.couchdb.user:"

// keyDoc is the _users document for one session key. CouchDB hashes the
// password field into password_scheme/derived_key on write, so the secret
// is never stored in the clear.
type keyDoc struct {
	ID       string   `json:"_id"`
	Rev      string   `json:"_rev,omitempty"`
	Name     string   `json:"name"`
	Password string   `json:"password,omitempty"`
	Type     string   `json:"type"`
	Roles    []string `json:"roles"`
	UserID   string   `json:"user_id"`
	Expires  int64    `json:"expires"`
}

// CouchAdapter manages keys in the server's own auth database (_users).
type CouchAdapter struct {
	client *couchdb.Client
	authDB string
}

// NewCouchAdapter targets authDB, normally "_users".
func NewCouchAdapter(client *couchdb.Client, authDB string) *CouchAdapter {
	if authDB == "" {
		authDB = "_users"
	}
	return &CouchAdapter{client: client, authDB: authDB}
}

// StoreKey implements Adapter.
func (a *CouchAdapter) StoreKey(ctx context.Context, userID, key, password string, expires int64, roles []string) error {
	db := a.client.DB(a.authDB)
	docID := keyDocPrefix + key

	doc := keyDoc{
		ID:       docID,
		Name:     key,
		Password: password,
		Type:     "user",
		Roles:    roles,
		UserID:   userID,
		Expires:  expires,
	}

	// A stale credential under the same key is overwritten, not kept.
	var existing keyDoc
	err := db.Get(ctx, docID, &existing)
	switch {
	case err == nil:
		doc.Rev = existing.Rev
	case errors.Is(err, couchdb.ErrNotFound):
	default:
		return err
	}

	_, err = db.Put(ctx, docID, &doc)
	return err
}

// RemoveKeys implements Adapter.
func (a *CouchAdapter) RemoveKeys(ctx context.Context, keys ...string) error {
	db := a.client.DB(a.authDB)

	var firstErr error
	for _, key := range keys {
		docID := keyDocPrefix + key

		var existing keyDoc
		err := db.Get(ctx, docID, &existing)
		if errors.Is(err, couchdb.ErrNotFound) {
			continue
		}
		if err == nil {
			err = db.Delete(ctx, docID, existing.Rev)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AuthorizeKeys implements Adapter by adding the keys to the database
// _security members list.
func (a *CouchAdapter) AuthorizeKeys(ctx context.Context, db *couchdb.Database, keys []string, _ []string, roles []string) error {
	sec, err := db.GetSecurity(ctx)
	if err != nil {
		return err
	}

	changed := false
	for _, key := range keys {
		if !contains(sec.Members.Names, key) {
			sec.Members.Names = append(sec.Members.Names, key)
			changed = true
		}
	}
	for _, role := range roles {
		if role != "" && !contains(sec.Members.Roles, role) {
			sec.Members.Roles = append(sec.Members.Roles, role)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return db.PutSecurity(ctx, sec)
}

// DeauthorizeKeys implements Adapter.
func (a *CouchAdapter) DeauthorizeKeys(ctx context.Context, db *couchdb.Database, keys []string) error {
	sec, err := db.GetSecurity(ctx)
	if err != nil {
		if errors.Is(err, couchdb.ErrNotFound) {
			return nil
		}
		return err
	}

	remaining := sec.Members.Names[:0]
	removed := false
	for _, name := range sec.Members.Names {
		if contains(keys, name) {
			removed = true
			continue
		}
		remaining = append(remaining, name)
	}
	if !removed {
		return nil
	}
	sec.Members.Names = remaining
	return db.PutSecurity(ctx, sec)
}

// RemoveExpiredKeys implements Adapter. It relies on the couchguard/expired
// view seeded into the auth database.
func (a *CouchAdapter) RemoveExpiredKeys(ctx context.Context) ([]string, error) {
	db := a.client.DB(a.authDB)

	if err := db.EnsureDesignDoc(ctx, couchdb.KeyDesignDoc()); err != nil {
		return nil, err
	}

	res, err := db.Query(ctx, couchdb.KeyDesignName, "expired", couchdb.ViewOptions{
		EndKey:      nowMS(),
		IncludeDocs: true,
	})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, row := range res.Rows {
		var doc keyDoc
		if err := couchdb.DecodeDoc(row, &doc); err != nil {
			continue
		}
		if err := db.Delete(ctx, doc.ID, doc.Rev); err != nil && !errors.Is(err, couchdb.ErrNotFound) {
			return removed, err
		}
		removed = append(removed, doc.Name)
	}
	return removed, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

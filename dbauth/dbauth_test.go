package dbauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/couchguard/couchguard/couchdb"
)

// fakeCouch is an in-memory CouchDB speaking just enough HTTP for the
// adapter: database lifecycle, documents, _security, and the expired view.
type fakeCouch struct {
	mu       sync.Mutex
	dbs      map[string]map[string]map[string]any
	security map[string]*couchdb.SecurityDoc
	revs     int
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{
		dbs:      map[string]map[string]map[string]any{},
		security: map[string]*couchdb.SecurityDoc{},
	}
}

func (f *fakeCouch) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		dbName := parts[0]
		rest := ""
		if len(parts) == 2 {
			rest = parts[1]
		}

		writeJSON := func(status int, v any) {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(v)
		}

		db, dbExists := f.dbs[dbName]

		switch {
		case rest == "" && r.Method == http.MethodPut:
			if dbExists {
				writeJSON(http.StatusPreconditionFailed, map[string]string{"error": "file_exists"})
				return
			}
			f.dbs[dbName] = map[string]map[string]any{}
			writeJSON(http.StatusCreated, map[string]bool{"ok": true})
		case rest == "" && r.Method == http.MethodHead:
			if dbExists {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case rest == "" && r.Method == http.MethodDelete:
			if !dbExists {
				writeJSON(http.StatusNotFound, map[string]string{"error": "not_found"})
				return
			}
			delete(f.dbs, dbName)
			delete(f.security, dbName)
			writeJSON(http.StatusOK, map[string]bool{"ok": true})
		case rest == "_security" && r.Method == http.MethodGet:
			sec := f.security[dbName]
			if sec == nil {
				sec = &couchdb.SecurityDoc{}
			}
			writeJSON(http.StatusOK, sec)
		case rest == "_security" && r.Method == http.MethodPut:
			sec := &couchdb.SecurityDoc{}
			json.NewDecoder(r.Body).Decode(sec)
			f.security[dbName] = sec
			writeJSON(http.StatusOK, map[string]bool{"ok": true})
		case strings.HasPrefix(rest, "_design/") && strings.Contains(rest, "/_view/expired"):
			endKey := int64(0)
			if raw := r.URL.Query().Get("endkey"); raw != "" {
				json.Unmarshal([]byte(raw), &endKey)
			}
			res := couchdb.ViewResult{Rows: []couchdb.ViewRow{}}
			for id, doc := range db {
				expires, ok := doc["expires"].(float64)
				if !ok || doc["user_id"] == nil || int64(expires) > endKey {
					continue
				}
				raw, _ := json.Marshal(doc)
				res.Rows = append(res.Rows, couchdb.ViewRow{ID: id, Doc: raw})
			}
			writeJSON(http.StatusOK, res)
		case r.Method == http.MethodGet:
			doc, ok := db[rest]
			if !dbExists || !ok {
				writeJSON(http.StatusNotFound, map[string]string{"error": "not_found"})
				return
			}
			writeJSON(http.StatusOK, doc)
		case r.Method == http.MethodPut:
			if !dbExists {
				writeJSON(http.StatusNotFound, map[string]string{"error": "not_found"})
				return
			}
			var doc map[string]any
			json.NewDecoder(r.Body).Decode(&doc)
			if existing, ok := db[rest]; ok && existing["_rev"] != doc["_rev"] {
				writeJSON(http.StatusConflict, map[string]string{"error": "conflict"})
				return
			}
			f.revs++
			rev := "1-" + strings.Repeat("a", f.revs%8+1)
			doc["_rev"] = rev
			doc["_id"] = rest
			db[rest] = doc
			writeJSON(http.StatusCreated, map[string]any{"ok": true, "id": rest, "rev": rev})
		case r.Method == http.MethodDelete:
			if _, ok := db[rest]; !ok {
				writeJSON(http.StatusNotFound, map[string]string{"error": "not_found"})
				return
			}
			delete(db, rest)
			writeJSON(http.StatusOK, map[string]bool{"ok": true})
		default:
			writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "bad_request"})
		}
	})
}

func newTestManager(t *testing.T, settings Settings) (*Manager, *fakeCouch) {
	t.Helper()
	fake := newFakeCouch()
	fake.dbs["_users"] = map[string]map[string]any{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client := couchdb.NewClientURL(srv.URL, srv.Client(), zerolog.Nop())
	return NewManager(client, nil, settings, zerolog.Nop()), fake
}

func TestGetDBConfigMerge(t *testing.T) {
	settings := Settings{
		Model: map[string]DBModel{
			"_default": {DesignDocs: []string{"base"}, MemberRoles: []string{"user"}},
			"notes":    {Type: "private", DesignDocs: []string{"notes"}, AdminRoles: []string{"admin"}},
		},
	}

	cfg := GetDBConfig(settings, "notes", "shared")
	if cfg.Type != "private" {
		t.Errorf("type = %q, want private", cfg.Type)
	}
	if len(cfg.DesignDocs) != 1 || cfg.DesignDocs[0] != "notes" {
		t.Errorf("designDocs = %v", cfg.DesignDocs)
	}
	if len(cfg.MemberRoles) != 1 || cfg.MemberRoles[0] != "user" {
		t.Errorf("memberRoles not inherited from _default: %v", cfg.MemberRoles)
	}

	cfg = GetDBConfig(settings, "other", "shared")
	if cfg.Type != "shared" || len(cfg.DesignDocs) != 1 || cfg.DesignDocs[0] != "base" {
		t.Errorf("fallback config wrong: %+v", cfg)
	}
}

func TestFinalDBName(t *testing.T) {
	m, _ := newTestManager(t, Settings{PrivatePrefix: "cg"})
	if got := m.FinalDBName("notes", "private", "abc123"); got != "cg_notes$abc123" {
		t.Errorf("private name = %q", got)
	}
	if got := m.FinalDBName("forum", "shared", "abc123"); got != "forum" {
		t.Errorf("shared name = %q", got)
	}

	m2, _ := newTestManager(t, Settings{})
	if got := m2.FinalDBName("notes", "private", "abc123"); got != "notes$abc123" {
		t.Errorf("unprefixed private name = %q", got)
	}
}

func TestAddUserDBProvisionsPrivate(t *testing.T) {
	dir := t.TempDir()
	dd := map[string]any{"views": map[string]any{"all": map[string]any{"map": "function(doc){emit(doc._id,null);}"}}}
	data, _ := json.Marshal(dd)
	if err := os.WriteFile(filepath.Join(dir, "notes.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	m, fake := newTestManager(t, Settings{
		PrivatePrefix:        "cg",
		DesignDocDir:         dir,
		DefaultSecurityRoles: SecurityRoleDefaults{Members: []string{"user"}},
	})

	name, err := m.AddUserDB(context.Background(), "u1", "notes", []string{"notes"}, "private",
		nil, []string{"admin"}, []string{"notes_member"})
	if err != nil {
		t.Fatalf("AddUserDB: %v", err)
	}
	if name != "cg_notes$u1" {
		t.Fatalf("final name = %q", name)
	}

	if _, ok := fake.dbs[name]; !ok {
		t.Fatal("database was not created")
	}
	sec := fake.security[name]
	if sec == nil {
		t.Fatal("security doc missing")
	}
	wantMembers := []string{"user", "notes_member"}
	if len(sec.Members.Roles) != 2 || sec.Members.Roles[0] != wantMembers[0] || sec.Members.Roles[1] != wantMembers[1] {
		t.Fatalf("member roles = %v, want %v", sec.Members.Roles, wantMembers)
	}
	if _, ok := fake.dbs[name]["_design/notes"]; !ok {
		t.Fatal("design doc not seeded")
	}
}

func TestAddUserDBSharedSecuredOnce(t *testing.T) {
	m, fake := newTestManager(t, Settings{
		DefaultSecurityRoles: SecurityRoleDefaults{Members: []string{"user"}},
	})

	if _, err := m.AddUserDB(context.Background(), "u1", "forum", nil, "shared", nil, nil, nil); err != nil {
		t.Fatalf("first AddUserDB: %v", err)
	}
	// Simulate an operator tweaking the shared security doc.
	fake.security["forum"].Members.Roles = append(fake.security["forum"].Members.Roles, "moderator")

	if _, err := m.AddUserDB(context.Background(), "u2", "forum", nil, "shared", nil, nil, nil); err != nil {
		t.Fatalf("second AddUserDB: %v", err)
	}
	if !contains(fake.security["forum"].Members.Roles, "moderator") {
		t.Fatal("second provisioning clobbered the shared security doc")
	}
}

func TestStoreAndRemoveKeys(t *testing.T) {
	m, fake := newTestManager(t, Settings{})
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UnixMilli()
	if err := m.StoreKey(ctx, "u1", "key1", "pass1", expires, []string{"user"}); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	doc, ok := fake.dbs["_users"]["org.couchdb.user:key1"]
	if !ok {
		t.Fatal("key doc not written")
	}
	if doc["user_id"] != "u1" || doc["name"] != "key1" || doc["type"] != "user" {
		t.Fatalf("key doc fields wrong: %v", doc)
	}

	// Re-store under the same key must overwrite, not conflict.
	if err := m.StoreKey(ctx, "u1", "key1", "pass2", expires, []string{"user"}); err != nil {
		t.Fatalf("StoreKey overwrite: %v", err)
	}

	if err := m.RemoveKeys(ctx, "key1", "missing"); err != nil {
		t.Fatalf("RemoveKeys: %v", err)
	}
	if _, ok := fake.dbs["_users"]["org.couchdb.user:key1"]; ok {
		t.Fatal("key doc survived removal")
	}
}

func TestAuthorizeDeauthorize(t *testing.T) {
	m, fake := newTestManager(t, Settings{})
	ctx := context.Background()

	if _, err := m.AddUserDB(ctx, "u1", "notes", nil, "private", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	dbName := "notes$u1"

	if err := m.AuthorizeUserSessions(ctx, []string{dbName}, []string{"key1", "key2"}, nil, []string{"user"}); err != nil {
		t.Fatalf("AuthorizeUserSessions: %v", err)
	}
	sec := fake.security[dbName]
	if !contains(sec.Members.Names, "key1") || !contains(sec.Members.Names, "key2") {
		t.Fatalf("keys not authorized: %v", sec.Members.Names)
	}

	if err := m.DeauthorizeUser(ctx, []string{dbName}, []string{"key1"}); err != nil {
		t.Fatalf("DeauthorizeUser: %v", err)
	}
	sec = fake.security[dbName]
	if contains(sec.Members.Names, "key1") || !contains(sec.Members.Names, "key2") {
		t.Fatalf("deauthorize removed wrong keys: %v", sec.Members.Names)
	}
}

func TestRemoveExpiredKeys(t *testing.T) {
	m, fake := newTestManager(t, Settings{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := m.StoreKey(ctx, "u1", "stale", "p", past, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreKey(ctx, "u1", "fresh", "p", future, nil); err != nil {
		t.Fatal(err)
	}

	removed, err := m.RemoveExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("RemoveExpiredKeys: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("removed = %v", removed)
	}
	if _, ok := fake.dbs["_users"]["org.couchdb.user:fresh"]; !ok {
		t.Fatal("fresh key was removed")
	}
}

func TestCloudantGenerateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/_api/v2/api_keys" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(apiKeyResponse{OK: true, Key: "genkey", Password: "genpass"})
	}))
	defer srv.Close()

	adapter := NewCloudant(srv.URL, srv.Client())
	key, password, err := adapter.GenerateKey(context.Background())
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if key != "genkey" || password != "genpass" {
		t.Fatalf("got %q/%q", key, password)
	}

	var gen KeyGenerator = adapter
	_ = gen
}

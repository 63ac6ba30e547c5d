package couchguard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/couchguard/couchguard/couchdb"
	"github.com/couchguard/couchguard/dbauth"
	"github.com/couchguard/couchguard/sessionstore"
)

// fakeUserDB is an in-memory document store with just enough view logic to
// stand in for CouchDB: documents round-trip through JSON and the auth
// views are evaluated against the decoded user documents.
type fakeUserDB struct {
	mu   sync.Mutex
	docs map[string][]byte
	revs map[string]int
	// failPuts makes the next n writes conflict, for retry tests.
	failPuts int
}

func newFakeUserDB() *fakeUserDB {
	return &fakeUserDB{docs: map[string][]byte{}, revs: map[string]int{}}
}

func (f *fakeUserDB) Get(_ context.Context, id string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[id]
	if !ok {
		return couchdb.ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (f *fakeUserDB) Put(_ context.Context, id string, doc any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPuts > 0 {
		f.failPuts--
		return "", couchdb.ErrConflict
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var probe struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	if existing, ok := f.docs[id]; ok {
		var stored struct {
			Rev string `json:"_rev"`
		}
		_ = json.Unmarshal(existing, &stored)
		if stored.Rev != probe.Rev {
			return "", couchdb.ErrConflict
		}
	}

	f.revs[id]++
	rev := fmt.Sprintf("%d-rev", f.revs[id])

	var full map[string]any
	if err := json.Unmarshal(data, &full); err != nil {
		return "", err
	}
	full["_rev"] = rev
	updated, err := json.Marshal(full)
	if err != nil {
		return "", err
	}
	f.docs[id] = updated
	return rev, nil
}

func (f *fakeUserDB) Delete(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return couchdb.ErrNotFound
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeUserDB) viewKeys(view string, doc *UserDoc) []string {
	switch view {
	case "username":
		if doc.Username != "" {
			return []string{doc.Username}
		}
	case "email":
		if doc.Email != "" {
			return []string{doc.Email}
		}
		if doc.UnverifiedEmail != nil {
			return []string{doc.UnverifiedEmail.Email}
		}
	case "phone":
		if doc.Phone != "" {
			return []string{doc.Phone}
		}
	case "emailUsername":
		var keys []string
		if doc.Email != "" {
			keys = append(keys, doc.Email)
		}
		if doc.Username != "" {
			keys = append(keys, doc.Username)
		}
		return keys
	case "passwordReset":
		if doc.ForgotPassword != nil {
			return []string{doc.ForgotPassword.Token}
		}
	case "verifyEmail":
		if doc.UnverifiedEmail != nil {
			return []string{doc.UnverifiedEmail.Token}
		}
	case "session":
		return doc.SessionKeys()
	default:
		if entry, ok := doc.ProviderData(view); ok {
			if id, _ := entry.Profile["id"].(string); id != "" {
				return []string{id}
			}
		}
	}
	return nil
}

func (f *fakeUserDB) Query(_ context.Context, _, view string, opts couchdb.ViewOptions) (*couchdb.ViewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	want, _ := opts.Key.(string)
	res := &couchdb.ViewResult{}
	for id, data := range f.docs {
		var doc UserDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		for _, key := range f.viewKeys(view, &doc) {
			if key != want {
				continue
			}
			row := couchdb.ViewRow{ID: id}
			if opts.IncludeDocs {
				row.Doc = append(json.RawMessage(nil), data...)
			}
			res.Rows = append(res.Rows, row)
			break
		}
		if opts.Limit > 0 && len(res.Rows) >= opts.Limit {
			break
		}
	}
	return res, nil
}

func (f *fakeUserDB) AllDocs(_ context.Context, opts couchdb.ViewOptions) (*couchdb.ViewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start, _ := opts.StartKey.(string)
	end, _ := opts.EndKey.(string)
	res := &couchdb.ViewResult{}
	for id := range f.docs {
		if id >= start && id <= end {
			res.Rows = append(res.Rows, couchdb.ViewRow{ID: id})
		}
	}
	return res, nil
}

func (f *fakeUserDB) EnsureDesignDoc(context.Context, *couchdb.DesignDoc) error {
	return nil
}

func (f *fakeUserDB) load(t *testing.T, id string) *UserDoc {
	t.Helper()
	var doc UserDoc
	if err := f.Get(context.Background(), id, &doc); err != nil {
		t.Fatalf("load %q: %v", id, err)
	}
	return &doc
}

// fakeDBAuth records provisioning and key lifecycle calls.
type fakeDBAuth struct {
	mu       sync.Mutex
	settings dbauth.Settings

	storedKeys  map[string]int64 // key -> expires
	authorized  map[string][]string
	removedKeys []string
	removedDBs  []string
	keyGen      dbauth.Adapter
}

func newFakeDBAuth(settings dbauth.Settings) *fakeDBAuth {
	return &fakeDBAuth{
		settings:   settings,
		storedKeys: map[string]int64{},
		authorized: map[string][]string{},
	}
}

func (f *fakeDBAuth) Settings() dbauth.Settings { return f.settings }

func (f *fakeDBAuth) Adapter() dbauth.Adapter { return f.keyGen }

func (f *fakeDBAuth) FinalDBName(logical, dbType, userID string) string {
	if dbType == "shared" {
		return logical
	}
	prefix := f.settings.PrivatePrefix
	if prefix != "" {
		prefix += "_"
	}
	return fmt.Sprintf("%s%s$%s", prefix, logical, userID)
}

func (f *fakeDBAuth) AddUserDB(_ context.Context, userID, logical string, _ []string, dbType string, _, _, _ []string) (string, error) {
	return f.FinalDBName(logical, dbType, userID), nil
}

func (f *fakeDBAuth) StoreKey(_ context.Context, _, key, _ string, expires int64, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storedKeys[key] = expires
	return nil
}

func (f *fakeDBAuth) RemoveKeys(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.storedKeys, k)
		f.removedKeys = append(f.removedKeys, k)
	}
	return nil
}

func (f *fakeDBAuth) AuthorizeUserSessions(_ context.Context, dbNames, keys []string, _, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, db := range dbNames {
		for _, k := range keys {
			if !containsStr(f.authorized[db], k) {
				f.authorized[db] = append(f.authorized[db], k)
			}
		}
	}
	return nil
}

func (f *fakeDBAuth) DeauthorizeUser(_ context.Context, dbNames, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, db := range dbNames {
		var out []string
		for _, k := range f.authorized[db] {
			if !containsStr(keys, k) {
				out = append(out, k)
			}
		}
		f.authorized[db] = out
	}
	return nil
}

func (f *fakeDBAuth) RemoveDB(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedDBs = append(f.removedDBs, name)
	return nil
}

func (f *fakeDBAuth) RemoveExpiredKeys(context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeDBAuth) hasKey(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.storedKeys[key]
	return ok
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fakeMailer captures sends instead of dialing SMTP.
type fakeMailer struct {
	mu    sync.Mutex
	sends []capturedMail
}

type capturedMail struct {
	Template string
	To       string
	Data     map[string]any
}

func (f *fakeMailer) SendEmail(template, to string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, _ := data.(map[string]any)
	f.sends = append(f.sends, capturedMail{Template: template, To: to, Data: payload})
	return nil
}

func (f *fakeMailer) last(t *testing.T) capturedMail {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatal("no mail was sent")
	}
	return f.sends[len(f.sends)-1]
}

// harness bundles a service with its fakes.
type harness struct {
	service  *UserService
	userDB   *fakeUserDB
	dbAuth   *fakeDBAuth
	sessions sessionstore.Store
	mail     *fakeMailer
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Local.UsernameKeys = []string{"username", "email"}
	if mutate != nil {
		mutate(&cfg)
	}

	userDB := newFakeUserDB()
	auth := newFakeDBAuth(cfg.UserDBs)
	sessions := sessionstore.NewMemory()
	mail := &fakeMailer{}

	service, err := New().
		WithConfig(cfg).
		WithUserDB(userDB).
		WithDBAuth(auth).
		WithSessionStore(sessions).
		WithMailer(mail).
		WithLogger(zerolog.Nop()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { service.Events().Close() })

	return &harness{service: service, userDB: userDB, dbAuth: auth, sessions: sessions, mail: mail}
}

func signupForm(login, pass string) map[string]any {
	return map[string]any{
		"username":        login,
		"password":        pass,
		"confirmPassword": pass,
	}
}

func mustCreate(t *testing.T, h *harness, login, pass string) *UserDoc {
	t.Helper()
	doc, err := h.service.Create(context.Background(), signupForm(login, pass), Request{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", login, err)
	}
	return doc
}

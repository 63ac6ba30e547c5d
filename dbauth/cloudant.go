package dbauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/couchguard/couchguard/couchdb"
)

// CloudantAdapter manages keys through the Cloudant service API instead of
// a _users database. Key generation is delegated to the service
// (/_api/v2/api_keys), and per-database authorization uses Cloudant's
// security document format.
type CloudantAdapter struct {
	serverURL string
	http      *http.Client
}

// NewCloudant targets a Cloudant account by its credentialed server URL.
func NewCloudant(serverURL string, httpClient *http.Client) *CloudantAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudantAdapter{serverURL: strings.TrimSuffix(serverURL, "/"), http: httpClient}
}

type apiKeyResponse struct {
	OK       bool   `json:"ok"`
	Key      string `json:"key"`
	Password string `json:"password"`
}

// GenerateKey implements KeyGenerator via POST /_api/v2/api_keys.
func (a *CloudantAdapter) GenerateKey(ctx context.Context) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+"/_api/v2/api_keys", nil)
	if err != nil {
		return "", "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("cloudant api_keys: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out apiKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	if !out.OK || out.Key == "" {
		return "", "", errors.New("cloudant api_keys: malformed response")
	}
	return out.Key, out.Password, nil
}

// StoreKey implements Adapter. Cloudant keys already exist service-side;
// expiry bookkeeping happens in the session store, so there is nothing to
// persist here.
func (a *CloudantAdapter) StoreKey(context.Context, string, string, string, int64, []string) error {
	return nil
}

// RemoveKeys implements Adapter. Cloudant offers no key deletion API; a key
// that is deauthorized everywhere is inert.
func (a *CloudantAdapter) RemoveKeys(context.Context, ...string) error {
	return nil
}

type cloudantSecurity struct {
	Cloudant map[string][]string `json:"cloudant"`
}

func (a *CloudantAdapter) securityURL(db *couchdb.Database) string {
	return a.serverURL + "/_api/v2/db/" + db.Name() + "/_security"
}

func (a *CloudantAdapter) getSecurity(ctx context.Context, db *couchdb.Database) (*cloudantSecurity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.securityURL(db), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("cloudant security read: %d", resp.StatusCode)
	}

	sec := &cloudantSecurity{}
	_ = json.NewDecoder(resp.Body).Decode(sec)
	if sec.Cloudant == nil {
		sec.Cloudant = map[string][]string{}
	}
	return sec, nil
}

func (a *CloudantAdapter) putSecurity(ctx context.Context, db *couchdb.Database, sec *cloudantSecurity) error {
	data, err := json.Marshal(sec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.securityURL(db), strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cloudant security write: %d", resp.StatusCode)
	}
	return nil
}

// AuthorizeKeys implements Adapter using Cloudant permission lists.
func (a *CloudantAdapter) AuthorizeKeys(ctx context.Context, db *couchdb.Database, keys []string, permissions, _ []string) error {
	if len(permissions) == 0 {
		permissions = []string{"_reader", "_writer", "_replicator"}
	}

	sec, err := a.getSecurity(ctx, db)
	if err != nil {
		return err
	}
	for _, key := range keys {
		sec.Cloudant[key] = permissions
	}
	return a.putSecurity(ctx, db, sec)
}

// DeauthorizeKeys implements Adapter.
func (a *CloudantAdapter) DeauthorizeKeys(ctx context.Context, db *couchdb.Database, keys []string) error {
	sec, err := a.getSecurity(ctx, db)
	if err != nil {
		return err
	}

	changed := false
	for _, key := range keys {
		if _, ok := sec.Cloudant[key]; ok {
			delete(sec.Cloudant, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return a.putSecurity(ctx, db, sec)
}

// RemoveExpiredKeys implements Adapter. Expiry is tracked in the session
// store for Cloudant; there is no server-side record to scan.
func (a *CloudantAdapter) RemoveExpiredKeys(context.Context) ([]string, error) {
	return nil, nil
}

package couchguard

import (
	"encoding/json"

	"github.com/couchguard/couchguard/password"
)

// LocalCredentials is the password block of a user document. Salt and
// DerivedKey are always set together.
type LocalCredentials struct {
	password.Record
	FailedLoginAttempts int   `json:"failedLoginAttempts,omitempty"`
	LockedUntil         int64 `json:"lockedUntil,omitempty"`
}

// UnverifiedEmail holds an address pending confirmation together with the
// emailed token.
type UnverifiedEmail struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// SignUpInfo records how the account came to exist.
type SignUpInfo struct {
	Provider  string `json:"provider"`
	Timestamp int64  `json:"timestamp"`
	IP        string `json:"ip,omitempty"`
}

// SessionEntry is one active session on the user document. The session key
// itself is the map key.
type SessionEntry struct {
	Issued   int64  `json:"issued"`
	Expires  int64  `json:"expires"`
	Provider string `json:"provider"`
	IP       string `json:"ip,omitempty"`
}

// PersonalDBEntry records one provisioned database. The map key is the
// physical name; Name is the logical (prefix-stripped) one.
type PersonalDBEntry struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions,omitempty"`
	AdminRoles  []string `json:"adminRoles,omitempty"`
	MemberRoles []string `json:"memberRoles,omitempty"`
}

// ActivityEntry is one audit record, newest first on the document.
type ActivityEntry struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Provider  string `json:"provider,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// ForgotPassword carries the hashed reset token; the plaintext is only ever
// emailed.
type ForgotPassword struct {
	Token   string `json:"token"`
	Issued  int64  `json:"issued"`
	Expires int64  `json:"expires"`
}

// ProviderEntry is the stored auth/profile pair for one federated provider.
type ProviderEntry struct {
	Auth    map[string]any `json:"auth,omitempty"`
	Profile map[string]any `json:"profile,omitempty"`
}

// UserDoc is a user document. Federated provider entries and the
// configurable type field live at the top level of the stored JSON, so the
// document round-trips through Extra.
type UserDoc struct {
	ID              string                     `json:"_id,omitempty"`
	Rev             string                     `json:"_rev,omitempty"`
	Email           string                     `json:"email,omitempty"`
	Phone           string                     `json:"phone,omitempty"`
	Username        string                     `json:"username,omitempty"`
	UnverifiedEmail *UnverifiedEmail           `json:"unverifiedEmail,omitempty"`
	Providers       []string                   `json:"providers,omitempty"`
	Local           *LocalCredentials          `json:"local,omitempty"`
	Roles           []string                   `json:"roles,omitempty"`
	SignUp          *SignUpInfo                `json:"signUp,omitempty"`
	Session         map[string]SessionEntry    `json:"session,omitempty"`
	PersonalDBs     map[string]PersonalDBEntry `json:"personalDBs,omitempty"`
	Activity        []ActivityEntry            `json:"activity,omitempty"`
	ForgotPassword  *ForgotPassword            `json:"forgotPassword,omitempty"`
	Profile         map[string]any             `json:"profile,omitempty"`

	// Extra carries top-level fields outside the fixed schema: the type
	// field and one entry per federated provider.
	Extra map[string]json.RawMessage `json:"-"`
}

// userDocAlias avoids MarshalJSON recursion.
type userDocAlias UserDoc

var userDocFields = []string{
	"_id", "_rev", "email", "phone", "username", "unverifiedEmail",
	"providers", "local", "roles", "signUp", "session", "personalDBs",
	"activity", "forgotPassword", "profile",
}

// MarshalJSON flattens Extra into the top-level object.
func (u *UserDoc) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*userDocAlias)(u))
	if err != nil {
		return nil, err
	}
	if len(u.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range u.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures unknown top-level fields into Extra.
func (u *UserDoc) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*userDocAlias)(u)); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, f := range userDocFields {
		delete(all, f)
	}
	if len(all) == 0 {
		u.Extra = nil
		return nil
	}
	u.Extra = all
	return nil
}

func (u *UserDoc) setExtraString(field, value string) {
	if u.Extra == nil {
		u.Extra = map[string]json.RawMessage{}
	}
	raw, _ := json.Marshal(value)
	u.Extra[field] = raw
}

// SetType stamps the configured type field with "user".
func (u *UserDoc) SetType(field string) {
	if field == "" {
		field = "type"
	}
	u.setExtraString(field, "user")
}

// ProviderData returns the stored entry for a federated provider.
func (u *UserDoc) ProviderData(provider string) (ProviderEntry, bool) {
	raw, ok := u.Extra[provider]
	if !ok {
		return ProviderEntry{}, false
	}
	var entry ProviderEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ProviderEntry{}, false
	}
	return entry, true
}

// SetProviderData stores the auth/profile pair for a federated provider.
func (u *UserDoc) SetProviderData(provider string, entry ProviderEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if u.Extra == nil {
		u.Extra = map[string]json.RawMessage{}
	}
	u.Extra[provider] = raw
	return nil
}

// DeleteProviderData removes a federated provider's stored entry.
func (u *UserDoc) DeleteProviderData(provider string) {
	delete(u.Extra, provider)
}

// HasProvider reports whether name is in the providers list.
func (u *UserDoc) HasProvider(name string) bool {
	for _, p := range u.Providers {
		if p == name {
			return true
		}
	}
	return false
}

// AddProvider appends name if absent, keeping the list ordered-unique.
func (u *UserDoc) AddProvider(name string) {
	if !u.HasProvider(name) {
		u.Providers = append(u.Providers, name)
	}
}

// RemoveProvider drops name from the providers list.
func (u *UserDoc) RemoveProvider(name string) {
	out := u.Providers[:0]
	for _, p := range u.Providers {
		if p != name {
			out = append(out, p)
		}
	}
	u.Providers = out
}

// SessionKeys returns every session key on the document.
func (u *UserDoc) SessionKeys() []string {
	keys := make([]string, 0, len(u.Session))
	for k := range u.Session {
		keys = append(keys, k)
	}
	return keys
}

// ExpiredSessionKeys returns the keys whose expiry has passed.
func (u *UserDoc) ExpiredSessionKeys(now int64) []string {
	var keys []string
	for k, entry := range u.Session {
		if entry.Expires < now {
			keys = append(keys, k)
		}
	}
	return keys
}

// PersonalDBNames returns the physical names of all provisioned databases.
func (u *UserDoc) PersonalDBNames() []string {
	names := make([]string, 0, len(u.PersonalDBs))
	for name := range u.PersonalDBs {
		names = append(names, name)
	}
	return names
}

// AddActivity prepends an audit entry and trims the log to max entries.
// A max of zero disables the log entirely.
func (u *UserDoc) AddActivity(entry ActivityEntry, max int) {
	if max <= 0 {
		u.Activity = nil
		return
	}
	u.Activity = append([]ActivityEntry{entry}, u.Activity...)
	if len(u.Activity) > max {
		u.Activity = u.Activity[:max]
	}
}

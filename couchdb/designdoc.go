package couchdb

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// View is one named map/reduce pair inside a design document.
type View struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// DesignDoc is a CouchDB design document restricted to views.
type DesignDoc struct {
	ID       string          `json:"_id"`
	Rev      string          `json:"_rev,omitempty"`
	Language string          `json:"language,omitempty"`
	Views    map[string]View `json:"views"`
}

const (
	// AuthDesignName is the design document carrying the login views.
	AuthDesignName = "auth"
	// KeyDesignName is the design document seeded into _users for expired
	// key scans.
	KeyDesignName = "couchguard"
)

func fieldView(typeField, field string) View {
	return View{Map: fmt.Sprintf(
		"function (doc) {\n  if (doc.%s === 'user' && doc.%s) {\n    emit(doc.%s, null);\n  }\n}",
		typeField, field, field)}
}

// AuthDesignDoc builds the auth design document: one view per enabled
// username key plus the token, session, and emailUsername lookups.
func AuthDesignDoc(typeField string, usernameKeys []string) *DesignDoc {
	if typeField == "" {
		typeField = "type"
	}

	views := map[string]View{
		// The email view also indexes addresses pending confirmation, so
		// unconfirmed accounts remain addressable by login.
		"email": {Map: fmt.Sprintf(
			"function (doc) {\n  if (doc.%s !== 'user') {\n    return;\n  }\n  if (doc.email) {\n    emit(doc.email, null);\n  } else if (doc.unverifiedEmail && doc.unverifiedEmail.email) {\n    emit(doc.unverifiedEmail.email, null);\n  }\n}",
			typeField)},
		"passwordReset": {Map: fmt.Sprintf(
			"function (doc) {\n  if (doc.%s === 'user' && doc.forgotPassword) {\n    emit(doc.forgotPassword.token, null);\n  }\n}",
			typeField)},
		"verifyEmail": {Map: fmt.Sprintf(
			"function (doc) {\n  if (doc.%s === 'user' && doc.unverifiedEmail) {\n    emit(doc.unverifiedEmail.token, null);\n  }\n}",
			typeField)},
		"session": {Map: fmt.Sprintf(
			"function (doc) {\n  if (doc.%s === 'user' && doc.session) {\n    for (var key in doc.session) {\n      emit(key, doc._id);\n    }\n  }\n}",
			typeField)},
		"emailUsername": {Map: fmt.Sprintf(
			"function (doc) {\n  if (doc.%s === 'user') {\n    if (doc.email) {\n      emit(doc.email, null);\n    }\n    if (doc.username) {\n      emit(doc.username, null);\n    }\n  }\n}",
			typeField)},
	}

	for _, key := range usernameKeys {
		if _, ok := views[key]; ok {
			continue
		}
		views[key] = fieldView(typeField, key)
	}

	return &DesignDoc{
		ID:       "_design/" + AuthDesignName,
		Language: "javascript",
		Views:    views,
	}
}

// AddProvidersToDesignDoc injects one view per federated provider, keyed on
// the provider profile id, into dd.
func AddProvidersToDesignDoc(typeField string, providers []string, dd *DesignDoc) {
	if typeField == "" {
		typeField = "type"
	}
	if dd.Views == nil {
		dd.Views = map[string]View{}
	}
	for _, provider := range providers {
		dd.Views[provider] = View{Map: fmt.Sprintf(
			"function (doc) {\n  if (doc.%s === 'user' && doc['%s'] && doc['%s'].profile) {\n    emit(doc['%s'].profile.id, null);\n  }\n}",
			typeField, provider, provider, provider)}
	}
}

// KeyDesignDoc builds the _users design document used to find expired
// session keys.
func KeyDesignDoc() *DesignDoc {
	return &DesignDoc{
		ID:       "_design/" + KeyDesignName,
		Language: "javascript",
		Views: map[string]View{
			"expired": {Map: "function (doc) {\n  if (doc.user_id && doc.expires) {\n    emit(doc.expires, null);\n  }\n}"},
		},
	}
}

// EnsureDesignDoc writes dd into db unless an identical version is already
// there, carrying forward the stored revision on update.
func (d *Database) EnsureDesignDoc(ctx context.Context, dd *DesignDoc) error {
	var existing DesignDoc
	err := d.Get(ctx, dd.ID, &existing)
	switch {
	case err == nil:
		if existing.Language == dd.Language && viewsEqual(existing.Views, dd.Views) {
			return nil
		}
		dd.Rev = existing.Rev
	case err == ErrNotFound:
		dd.Rev = ""
	default:
		return err
	}

	_, err = d.Put(ctx, dd.ID, dd)
	return err
}

func viewsEqual(a, b map[string]View) bool {
	return reflect.DeepEqual(a, b)
}

// DecodeDoc unmarshals a raw included document from a view row.
func DecodeDoc(row ViewRow, out any) error {
	if len(row.Doc) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(row.Doc, out)
}

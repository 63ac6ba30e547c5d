package couchguard

import (
	"context"
	"net/url"
)

// Request carries the request-scoped facts the HTTP layer supplies. The
// core never sees the raw *http.Request.
type Request struct {
	IP       string
	Host     string
	Protocol string
	Query    url.Values
	// Body holds already-parsed request body fields the core consults
	// outside of validated forms (captchaPassed).
	Body map[string]any
	// SessionKey is the authenticated session key on the request, when
	// there is one.
	SessionKey string
}

// CaptchaPassed reports whether the request body carries a passed captcha.
func (r Request) CaptchaPassed() bool {
	v, ok := r.Body["captchaPassed"].(bool)
	return ok && v
}

// SessionResponse is the payload returned by session creation and refresh.
// UserDBs maps logical database names to URLs with the session credentials
// embedded.
type SessionResponse struct {
	Token     string            `json:"token"`
	Password  string            `json:"password"`
	UserID    string            `json:"user_id"`
	UserEmail string            `json:"user_email,omitempty"`
	UserPhone string            `json:"user_phone,omitempty"`
	Roles     []string          `json:"roles"`
	Issued    int64             `json:"issued"`
	Expires   int64             `json:"expires"`
	Provider  string            `json:"provider"`
	IP        string            `json:"ip,omitempty"`
	Profile   map[string]any    `json:"profile,omitempty"`
	UserDBs   map[string]string `json:"userDBs,omitempty"`
}

// Transform mutates a user document during signup or provider linking. It
// must return the document to carry forward; transforms run strictly in
// registration order, each receiving the previous result.
type Transform func(ctx context.Context, doc *UserDoc, provider string, req Request) (*UserDoc, error)

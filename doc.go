// Package couchguard is the user and session core of a CouchDB-backed
// authentication system. It owns account lifecycle (local and federated),
// credential validation, password hashing and reset flows, session issuance
// and revocation, per-user database provisioning, and activity auditing.
//
// The core is transport-agnostic: HTTP routing, OAuth handshakes, and
// configuration loading live outside it. Callers hand it a [Config], a user
// database, a [sessionstore.Store], a [DBAuth] (normally a [dbauth.Manager]),
// and a mailer, and
// drive it through [UserService].
//
// Session credentials are opaque key:password pairs that the backing
// database's _users store recognises directly, so a client holding a session
// can talk to its personal databases without the core in the path.
package couchguard

package couchguard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/couchguard/couchguard/usermodel"
)

// Error is the structured failure every public operation rejects with. Key
// is the stable machine-readable identifier; Status is the HTTP code the
// transport layer should answer with.
type Error struct {
	Title            string           `json:"error"`
	Key              string           `json:"key"`
	Message          string           `json:"message,omitempty"`
	Status           int              `json:"status"`
	ValidationErrors usermodel.Errors `json:"validationErrors,omitempty"`
	Locked           bool             `json:"locked,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Key, e.Message)
	}
	return e.Key
}

// Is matches errors by Key so callers can compare against the package
// sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Key == other.Key
}

// ErrorKey extracts the stable key from err, or "" when err is not an
// *Error.
func ErrorKey(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Key
	}
	return ""
}

func badRequest(key, message string) *Error {
	return &Error{Title: "Bad Request", Key: key, Message: message, Status: http.StatusBadRequest}
}

func unauthorized(key, message string) *Error {
	return &Error{Title: "Unauthorized", Key: key, Message: message, Status: http.StatusUnauthorized}
}

func conflict(key, message string) *Error {
	return &Error{Title: "Conflict", Key: key, Message: message, Status: http.StatusConflict}
}

func notFound(key, message string) *Error {
	return &Error{Title: "Not Found", Key: key, Message: message, Status: http.StatusNotFound}
}

// ValidationFailed wraps per-field messages from the user model.
func ValidationFailed(failures usermodel.Errors) *Error {
	return &Error{
		Title:            "Bad Request",
		Key:              "validation_failed",
		Message:          "Validation failed",
		Status:           http.StatusBadRequest,
		ValidationErrors: failures,
	}
}

var (
	// ErrUnauthorized rejects bad or expired session credentials.
	ErrUnauthorized = unauthorized("unauthorized", "Invalid token or password")
	// ErrFailedLogin rejects a wrong login or password without revealing
	// which.
	ErrFailedLogin = unauthorized("failed_login", "Invalid username or password")
	// ErrSoftLocked rejects a login while the account is soft locked.
	ErrSoftLocked = unauthorized("soft_locked", "Account is temporarily locked")
	// ErrMissingCaptcha rejects a soft-locked login lacking captcha proof.
	ErrMissingCaptcha = unauthorized("missing_captcha", "Captcha is required while the account is locked")
	// ErrEmailUnconfirmed rejects logins until the address is confirmed.
	ErrEmailUnconfirmed = unauthorized("email_unconfirmed", "You must confirm your email address before logging in")

	// ErrMissingInviteCode rejects invite-only registration without a
	// valid, unexpired invite.
	ErrMissingInviteCode = badRequest("missing_invite_code", "A valid invite code is required to register")

	// ErrInvalidToken rejects an unknown password-reset token.
	ErrInvalidToken = badRequest("invalid_token", "Invalid token")
	// ErrExpiredToken rejects a known but expired password-reset token.
	ErrExpiredToken = badRequest("expired_token", "Token expired")
	// ErrInvalidVerifyToken rejects an unknown email-verification token.
	// The key's camelCase is part of the wire contract.
	ErrInvalidVerifyToken = badRequest("invalidToken", "Invalid token")

	// ErrMissingCurrentPassword preserves its misspelled key for wire
	// compatibility with existing clients.
	ErrMissingCurrentPassword = badRequest("missing_current_passowrd", "You must supply your current password in order to change it")
	// ErrInvalidCurrentPassword rejects a wrong current password.
	ErrInvalidCurrentPassword = badRequest("invalid_current_password", "The current password you supplied is incorrect")

	// ErrOnlyLoginCredential protects the last populated username key.
	ErrOnlyLoginCredential = badRequest("only_login_credential", "You cannot set your only login credential to null!")
	// ErrPasswordNotSet rejects identity changes on accounts without a
	// local password.
	ErrPasswordNotSet = badRequest("password_not_set", "You must set a password before changing your login credentials")
	// ErrUnlinkOnlyProvider protects the final provider on an account.
	ErrUnlinkOnlyProvider = badRequest("unlink_only_provider", "You can't unlink your only provider!")
	// ErrUnlinkLocal forbids unlinking the password provider.
	ErrUnlinkLocal = badRequest("unlink_local", "You can't unlink local")
	// ErrMissingProviderToUnlink rejects unlink calls without a provider.
	ErrMissingProviderToUnlink = badRequest("missing_provider_to_unlink", "Please specify a provider to unlink")

	// ErrUsernameNotFound is the not-found rejection for login lookups.
	ErrUsernameNotFound = notFound("username_not_found", "Username not found")
	// ErrProviderNotFound rejects unlinking a provider the user lacks.
	ErrProviderNotFound = notFound("provider_not_found", "Provider not found")

	// ErrInUseEmail rejects linking or changing to an email another
	// account owns.
	ErrInUseEmail = conflict("inuse_email", "The email provided is already in use")
	// ErrInUseEmailLink rejects federated signup with an email another
	// account owns.
	ErrInUseEmailLink = conflict("inuse_email_link", "The email address of this profile is already in use by another account")

	// ErrWriteConflict surfaces an exhausted optimistic-concurrency retry
	// loop.
	ErrWriteConflict = &Error{Title: "Conflict", Key: "write_conflict", Message: "The document was modified concurrently too many times", Status: http.StatusConflict}
)

// ErrLocked builds the lockout rejection with a human-readable duration.
func ErrLocked(minutes int) *Error {
	e := unauthorized("locked", fmt.Sprintf("Maximum failed login attempts exceeded. Your account has been locked for %d minutes.", minutes))
	e.Locked = true
	return e
}

// ErrInUseProvider rejects linking a provider profile already attached to
// another account.
func ErrInUseProvider(provider string) *Error {
	return conflict("inuse_"+provider,
		fmt.Sprintf("This %s profile is already in use by another account", provider))
}

// ErrConflictProvider rejects linking a second, different profile for the
// same provider.
func ErrConflictProvider(provider string) *Error {
	return conflict("conflict_"+provider,
		fmt.Sprintf("Your account is already linked with another %s profile", provider))
}

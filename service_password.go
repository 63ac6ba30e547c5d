package couchguard

import (
	"context"
	"errors"

	"github.com/couchguard/couchguard/internal"
	"github.com/couchguard/couchguard/password"
	"github.com/couchguard/couchguard/usermodel"
)

func passwordFormModel(extra map[string]usermodel.FieldRules) usermodel.Model {
	m := usermodel.Model{
		Whitelist: []string{"password", "confirmPassword"},
		Validate: map[string]usermodel.FieldRules{
			"password": {
				Presence: true,
				Length:   &usermodel.LengthRule{Minimum: 6, Message: "must be at least 6 characters"},
			},
			"confirmPassword": {Presence: true, Matches: "password"},
		},
	}
	for field, rules := range extra {
		m.Whitelist = append(m.Whitelist, field)
		m.Validate[field] = rules
	}
	return m
}

// ForgotPassword starts a reset flow: a fresh token is emailed while only
// its hash lands on the document.
func (s *UserService) ForgotPassword(ctx context.Context, email string, req Request) (*UserDoc, error) {
	user, err := s.userByView(ctx, "email", email)
	if err != nil {
		return nil, err
	}

	token := internal.URLSafeUUID()
	now := nowMS()

	updated, err := s.updateUser(ctx, user.ID, func(doc *UserDoc) error {
		doc.ForgotPassword = &ForgotPassword{
			Token:   internal.HashToken(token),
			Issued:  now,
			Expires: now + s.cfg.Security.TokenLife.Milliseconds(),
		}
		doc.AddActivity(ActivityEntry{
			Timestamp: now,
			Action:    "forgot password",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.mail.SendEmail("forgotPassword", email, map[string]any{
		"User":  updated,
		"Token": token,
		"Req":   req,
	}); err != nil {
		s.log.Warn().Err(err).Str("user", updated.ID).Msg("forgot-password email failed")
	}

	s.events.Emit(Event{Name: EventForgotPassword, UserID: updated.ID})
	return updated, nil
}

// ResetPassword completes a reset flow from an emailed token. Every session
// is invalidated before the token is cleared.
func (s *UserService) ResetPassword(ctx context.Context, form map[string]any, req Request) (*UserDoc, error) {
	model := passwordFormModel(map[string]usermodel.FieldRules{
		"token": {Presence: true},
	})
	validated, failures, err := model.Process(ctx, form)
	if err != nil {
		return nil, err
	}
	if failures.Any() {
		return nil, ValidationFailed(failures)
	}

	token, _ := validated["token"].(string)
	user, err := s.userByView(ctx, "passwordReset", internal.HashToken(token))
	if err != nil {
		if errors.Is(err, ErrUsernameNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if user.ForgotPassword == nil || user.ForgotPassword.Expires < nowMS() {
		return nil, ErrExpiredToken
	}

	plain, _ := validated["password"].(string)
	rec, err := password.Hash(plain)
	if err != nil {
		return nil, err
	}

	if err := s.cleanupSessionKeys(ctx, user.PersonalDBNames(), user.SessionKeys()); err != nil {
		return nil, err
	}

	updated, err := s.updateUser(ctx, user.ID, func(doc *UserDoc) error {
		if doc.Local == nil {
			doc.Local = &LocalCredentials{}
		}
		doc.Local.Record = rec
		doc.Local.FailedLoginAttempts = 0
		doc.Local.LockedUntil = 0
		doc.AddProvider("local")
		doc.Session = nil
		doc.ForgotPassword = nil
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "reset password",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(Event{Name: EventPasswordReset, UserID: updated.ID})
	return updated, nil
}

// ResetPassword2 is the variant used when the token was verified elsewhere:
// the caller supplies the username and the new password directly.
func (s *UserService) ResetPassword2(ctx context.Context, form map[string]any, req Request) (*UserDoc, error) {
	model := passwordFormModel(map[string]usermodel.FieldRules{
		"username": {Presence: true},
	})
	validated, failures, err := model.Process(ctx, form)
	if err != nil {
		return nil, err
	}
	if failures.Any() {
		return nil, ValidationFailed(failures)
	}

	login, _ := validated["username"].(string)
	user, err := s.Get(ctx, login)
	if err != nil {
		return nil, err
	}

	plain, _ := validated["password"].(string)
	return s.ChangePassword(ctx, user.ID, plain, req)
}

// ChangePasswordSecure changes a password on behalf of a logged-in user,
// demanding the current one whenever a local password exists. Other
// sessions are logged out when the request carries a session key.
func (s *UserService) ChangePasswordSecure(ctx context.Context, userID string, form map[string]any, req Request) (*UserDoc, error) {
	model := usermodel.Model{
		Whitelist: []string{"currentPassword", "newPassword", "confirmPassword"},
		Validate: map[string]usermodel.FieldRules{
			"newPassword": {
				Presence: true,
				Length:   &usermodel.LengthRule{Minimum: 6, Message: "must be at least 6 characters"},
			},
			"confirmPassword": {Presence: true, Matches: "newPassword"},
		},
	}
	validated, failures, err := model.Process(ctx, form)
	if err != nil {
		return nil, err
	}
	if failures.Any() {
		return nil, ValidationFailed(failures)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user.Local != nil && user.Local.DerivedKey != "" {
		current, _ := validated["currentPassword"].(string)
		if current == "" {
			return nil, ErrMissingCurrentPassword
		}
		if err := password.Verify(user.Local.Record, current); err != nil {
			return nil, ErrInvalidCurrentPassword
		}
	}

	plain, _ := validated["newPassword"].(string)
	updated, err := s.ChangePassword(ctx, userID, plain, req)
	if err != nil {
		return nil, err
	}

	if req.SessionKey != "" {
		if err := s.LogoutOthers(ctx, req.SessionKey); err != nil {
			s.log.Warn().Err(err).Str("user", userID).Msg("logout of other sessions failed")
		}
	}
	return updated, nil
}

// ChangePassword overwrites the local credentials with a fresh derivation.
func (s *UserService) ChangePassword(ctx context.Context, userID, newPassword string, req Request) (*UserDoc, error) {
	rec, err := password.Hash(newPassword)
	if err != nil {
		return nil, err
	}

	updated, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		if doc.Local == nil {
			doc.Local = &LocalCredentials{}
		}
		doc.Local.Record = rec
		doc.AddProvider("local")
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "changed password",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(Event{Name: EventPasswordChange, UserID: updated.ID})
	return updated, nil
}

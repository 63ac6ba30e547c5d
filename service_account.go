package couchguard

import (
	"context"
	"errors"

	"github.com/couchguard/couchguard/dbauth"
	"github.com/couchguard/couchguard/internal"
)

// VerifyEmail promotes a pending address once its emailed token comes back.
func (s *UserService) VerifyEmail(ctx context.Context, token string, req Request) (*UserDoc, error) {
	user, err := s.userByView(ctx, "verifyEmail", token)
	if err != nil {
		if errors.Is(err, ErrUsernameNotFound) {
			return nil, ErrInvalidVerifyToken
		}
		return nil, err
	}

	updated, err := s.updateUser(ctx, user.ID, func(doc *UserDoc) error {
		if doc.UnverifiedEmail == nil {
			return ErrInvalidVerifyToken
		}
		doc.Email = doc.UnverifiedEmail.Email
		doc.UnverifiedEmail = nil
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "verified email",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(Event{Name: EventEmailVerified, UserID: updated.ID})
	return updated, nil
}

// loginKeyCount counts the populated username keys on the document.
func (s *UserService) loginKeyCount(doc *UserDoc) int {
	n := 0
	for _, key := range s.cfg.Local.UsernameKeys {
		switch key {
		case "username":
			if doc.Username != "" {
				n++
			}
		case "email":
			if doc.Email != "" || doc.UnverifiedEmail != nil {
				n++
			}
		case "phone":
			if doc.Phone != "" {
				n++
			}
		}
	}
	return n
}

// ChangeEmail updates or clears the account email. Clearing the last login
// credential is refused, as is any identity change on accounts without a
// password.
func (s *UserService) ChangeEmail(ctx context.Context, userID, newEmail string, req Request) (*UserDoc, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Local == nil || user.Local.DerivedKey == "" {
		return nil, ErrPasswordNotSet
	}

	if newEmail == "" {
		hadEmail := user.Email != "" || user.UnverifiedEmail != nil
		if hadEmail && s.loginKeyCount(user) <= 1 {
			return nil, ErrOnlyLoginCredential
		}
	} else {
		msg, err := s.validateEmail(ctx, newEmail)
		if err != nil {
			return nil, err
		}
		switch msg {
		case "":
		case "already in use":
			return nil, ErrInUseEmail
		default:
			return nil, badRequest("validation_failed", msg)
		}
	}

	confirming := s.cfg.Local.SendConfirmEmail && newEmail != ""
	var confirmToken string

	updated, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		if confirming {
			confirmToken = internal.URLSafeUUID()
			doc.UnverifiedEmail = &UnverifiedEmail{Email: newEmail, Token: confirmToken}
		} else {
			doc.Email = newEmail
			doc.UnverifiedEmail = nil
		}
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "changed email",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if confirming {
		if err := s.mail.SendEmail("confirmEmail", newEmail, map[string]any{
			"User":  updated,
			"Token": confirmToken,
			"Req":   req,
		}); err != nil {
			s.log.Warn().Err(err).Str("user", userID).Msg("confirmation email failed")
		}
	}

	s.events.Emit(Event{Name: EventEmailChanged, UserID: updated.ID})
	return updated, nil
}

// ChangePhone updates or clears the account phone number under the same
// constraints as ChangeEmail.
func (s *UserService) ChangePhone(ctx context.Context, userID, newPhone string, req Request) (*UserDoc, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Local == nil || user.Local.DerivedKey == "" {
		return nil, ErrPasswordNotSet
	}

	if newPhone == "" {
		if user.Phone != "" && s.loginKeyCount(user) <= 1 {
			return nil, ErrOnlyLoginCredential
		}
	} else {
		msg, err := s.validatePhone(ctx, newPhone)
		if err != nil {
			return nil, err
		}
		switch msg {
		case "":
		case "already in use":
			return nil, conflict("inuse_phone", "The phone number provided is already in use")
		default:
			return nil, badRequest("validation_failed", msg)
		}
	}

	updated, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		doc.Phone = newPhone
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "changed phone",
			Provider:  "local",
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(Event{Name: EventPhoneChanged, UserID: updated.ID})
	return updated, nil
}

/*
====================================
USER DATABASES
====================================
*/

// AddUserDB provisions an additional database for the user. Config model
// defaults apply underneath the explicit arguments; permissions are only
// pinned on the document when supplied here.
func (s *UserService) AddUserDB(ctx context.Context, userID, logicalName, dbType string, designDocs, permissions, adminRoles, memberRoles []string) (string, error) {
	settings := s.dbAuth.Settings()
	dbCfg := dbauth.GetDBConfig(settings, logicalName, "private")
	if dbType != "" {
		dbCfg.Type = dbType
	}
	if designDocs != nil {
		dbCfg.DesignDocs = designDocs
	}
	if permissions != nil {
		dbCfg.Permissions = permissions
	}
	if adminRoles != nil {
		dbCfg.AdminRoles = adminRoles
	}
	if memberRoles != nil {
		dbCfg.MemberRoles = memberRoles
	}

	final, err := s.dbAuth.AddUserDB(ctx, userID, logicalName, dbCfg.DesignDocs, dbCfg.Type,
		dbCfg.Permissions, dbCfg.AdminRoles, dbCfg.MemberRoles)
	if err != nil {
		return "", err
	}

	updated, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		if doc.PersonalDBs == nil {
			doc.PersonalDBs = map[string]PersonalDBEntry{}
		}
		doc.PersonalDBs[final] = PersonalDBEntry{
			Name:        logicalName,
			Type:        dbCfg.Type,
			Permissions: permissions,
			AdminRoles:  dbCfg.AdminRoles,
			MemberRoles: dbCfg.MemberRoles,
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// Live sessions gain access to the new database right away.
	if keys := updated.SessionKeys(); len(keys) > 0 {
		perms := dbCfg.Permissions
		if err := s.dbAuth.AuthorizeUserSessions(ctx, []string{final}, keys, perms, dbCfg.MemberRoles); err != nil {
			s.log.Warn().Err(err).Str("db", final).Msg("authorizing existing sessions failed")
		}
	}

	s.events.Emit(Event{Name: EventUserDBAdded, UserID: userID, DB: logicalName})
	return final, nil
}

// RemoveUserDB forgets a database on the user document and optionally
// destroys it: deletePrivate applies to private databases, deleteShared to
// shared ones.
func (s *UserService) RemoveUserDB(ctx context.Context, userID, logicalName string, deletePrivate, deleteShared bool) error {
	var toDestroy []string

	_, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		toDestroy = toDestroy[:0]
		for final, entry := range doc.PersonalDBs {
			if entry.Name != logicalName {
				continue
			}
			if (entry.Type == "private" && deletePrivate) || (entry.Type == "shared" && deleteShared) {
				toDestroy = append(toDestroy, final)
			}
			delete(doc.PersonalDBs, final)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, final := range toDestroy {
		if err := s.dbAuth.RemoveDB(ctx, final); err != nil {
			return err
		}
	}

	s.events.Emit(Event{Name: EventUserDBRemoved, UserID: userID, DB: logicalName})
	return nil
}

// Remove deletes an account: all sessions are revoked, private databases
// are optionally destroyed, and the document is removed.
func (s *UserService) Remove(ctx context.Context, userID string, destroyDBs bool) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	if _, err := s.logoutUserSessions(ctx, user, logoutAll, ""); err != nil {
		return err
	}

	if destroyDBs {
		for final, entry := range user.PersonalDBs {
			if entry.Type != "private" {
				continue
			}
			if err := s.dbAuth.RemoveDB(ctx, final); err != nil {
				return err
			}
		}
	}

	return s.userDB.Delete(ctx, user.ID, user.Rev)
}

/*
====================================
ACTIVITY & MAINTENANCE
====================================
*/

// LogActivity appends an audit entry. When doc is nil the document is
// fetched and saved; a supplied doc is only persisted when save is set,
// letting callers batch the write with their own.
func (s *UserService) LogActivity(ctx context.Context, userID, action, provider string, req Request, doc *UserDoc, save bool) error {
	size := s.cfg.Security.UserActivityLogSize
	if size <= 0 {
		return nil
	}

	entry := ActivityEntry{
		Timestamp: nowMS(),
		Action:    action,
		Provider:  provider,
		IP:        req.IP,
	}

	if doc == nil {
		_, err := s.updateUser(ctx, userID, func(d *UserDoc) error {
			d.AddActivity(entry, size)
			return nil
		})
		return err
	}

	doc.AddActivity(entry, size)
	if save {
		return s.persist(ctx, doc)
	}
	return nil
}

// RemoveExpiredKeys sweeps the database auth store for expired session
// credentials.
func (s *UserService) RemoveExpiredKeys(ctx context.Context) ([]string, error) {
	return s.dbAuth.RemoveExpiredKeys(ctx)
}

// Quit shuts the session store and the event dispatcher down gracefully.
func (s *UserService) Quit() error {
	err := s.sessions.Quit()
	s.events.Close()
	return err
}

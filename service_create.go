package couchguard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/couchguard/couchguard/dbauth"
	"github.com/couchguard/couchguard/internal"
	"github.com/couchguard/couchguard/password"
)

const inviteKeyPrefix = "invite_code:"

// Create registers a local account from a validated form. The form's login
// field is classified and duplicated into the matching username key, so a
// single form field serves email, phone, and username logins alike.
func (s *UserService) Create(ctx context.Context, form map[string]any, req Request) (*UserDoc, error) {
	form = copyForm(form)

	login, _ := form[s.cfg.Local.UsernameField].(string)
	loginType := s.LoginType(login)
	if login != "" {
		form[loginType] = login
		if loginType != s.cfg.Local.UsernameField {
			delete(form, s.cfg.Local.UsernameField)
		}
	}

	model := s.model
	if s.cfg.Security.InviteOnlyRegistration {
		model.Whitelist = append(append([]string(nil), model.Whitelist...), "inviteCode")
	}

	validated, failures, err := model.Process(ctx, form)
	if err != nil {
		return nil, err
	}
	if failures.Any() {
		return nil, ValidationFailed(failures)
	}

	// The invite is checked before any work happens but only deleted once
	// the account exists, so a failed signup never burns the code.
	var inviteKey, assignedID string
	if s.cfg.Security.InviteOnlyRegistration {
		code, _ := validated["inviteCode"].(string)
		if code == "" {
			return nil, ErrMissingInviteCode
		}
		inviteKey = inviteKeyPrefix + code
		value, err := s.sessions.GetKey(ctx, inviteKey)
		if err != nil {
			return nil, ErrMissingInviteCode
		}
		if internal.IsUserID(value) {
			assignedID = value
		}
		delete(validated, "inviteCode")
	}

	doc := &UserDoc{}
	s.applyFormFields(doc, validated)
	doc.SetType(s.cfg.DBServer.TypeField)

	switch {
	case assignedID != "":
		doc.ID = assignedID
	case doc.ID != "":
		// A configured rename already produced the id.
	case s.cfg.Local.UUIDAsID:
		doc.ID = internal.UserID()
	default:
		// The login becomes the document id; a username key duplicated
		// into the id would be redundant.
		doc.ID = strings.ToLower(strings.TrimSpace(login))
		if loginType == "username" {
			doc.Username = ""
		}
	}

	if s.cfg.Local.SendConfirmEmail && doc.Email != "" {
		doc.UnverifiedEmail = &UnverifiedEmail{
			Email: doc.Email,
			Token: internal.URLSafeUUID(),
		}
		doc.Email = ""
	}

	plain, _ := validated[s.cfg.Local.PasswordField].(string)
	rec, err := password.Hash(plain)
	if err != nil {
		return nil, err
	}
	doc.Local = &LocalCredentials{Record: rec}
	doc.Providers = []string{"local"}
	doc.Roles = append([]string(nil), s.cfg.Security.DefaultRoles...)
	doc.SignUp = &SignUpInfo{Provider: "local", Timestamp: nowMS(), IP: req.IP}

	if err := s.provisionDefaultDBs(ctx, doc); err != nil {
		return nil, err
	}

	doc.AddActivity(ActivityEntry{
		Timestamp: nowMS(),
		Action:    "signup",
		Provider:  "local",
		IP:        req.IP,
	}, s.cfg.Security.UserActivityLogSize)

	doc, err = runTransforms(ctx, s.onCreate, doc, "local", req)
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, doc); err != nil {
		return nil, err
	}

	if inviteKey != "" {
		if _, err := s.sessions.DeleteKeys(ctx, inviteKey); err != nil {
			s.log.Warn().Err(err).Str("user", doc.ID).Msg("invite code cleanup failed")
		}
	}

	if s.cfg.Local.SendConfirmEmail && doc.UnverifiedEmail != nil {
		if err := s.mail.SendEmail("confirmEmail", doc.UnverifiedEmail.Email, map[string]any{
			"User":  doc,
			"Token": doc.UnverifiedEmail.Token,
			"Req":   req,
		}); err != nil {
			s.log.Warn().Err(err).Str("user", doc.ID).Msg("confirmation email failed")
		}
	}

	s.events.Emit(Event{Name: EventSignup, UserID: doc.ID, Provider: "local"})
	return doc, nil
}

// applyFormFields distributes validated form values over the document's
// fixed fields; anything else the model whitelisted lands in Extra.
func (s *UserService) applyFormFields(doc *UserDoc, validated map[string]any) {
	for field, value := range validated {
		str, _ := value.(string)
		switch field {
		case "_id":
			doc.ID = str
		case "email":
			doc.Email = str
		case "phone":
			doc.Phone = str
		case "username":
			doc.Username = str
		case s.cfg.Local.PasswordField, "confirmPassword":
			// never persisted
		default:
			raw, err := json.Marshal(value)
			if err != nil {
				s.log.Warn().Str("field", field).Msg("dropping unencodable form field")
				continue
			}
			if doc.Extra == nil {
				doc.Extra = map[string]json.RawMessage{}
			}
			doc.Extra[field] = raw
		}
	}
}

// provisionDefaultDBs creates the configured private and shared databases
// and records them on the document.
func (s *UserService) provisionDefaultDBs(ctx context.Context, doc *UserDoc) error {
	settings := s.dbAuth.Settings()

	provision := func(logical, dbType string) error {
		dbCfg := dbauth.GetDBConfig(settings, logical, dbType)
		final, err := s.dbAuth.AddUserDB(ctx, doc.ID, logical, dbCfg.DesignDocs, dbCfg.Type,
			dbCfg.Permissions, dbCfg.AdminRoles, dbCfg.MemberRoles)
		if err != nil {
			return err
		}
		if doc.PersonalDBs == nil {
			doc.PersonalDBs = map[string]PersonalDBEntry{}
		}
		doc.PersonalDBs[final] = PersonalDBEntry{
			Name:        logical,
			Type:        dbCfg.Type,
			Permissions: dbCfg.Permissions,
			AdminRoles:  dbCfg.AdminRoles,
			MemberRoles: dbCfg.MemberRoles,
		}
		return nil
	}

	for _, logical := range settings.DefaultPrivateDBs {
		if err := provision(logical, "private"); err != nil {
			return err
		}
	}
	for _, logical := range settings.DefaultSharedDBs {
		if err := provision(logical, "shared"); err != nil {
			return err
		}
	}
	return nil
}

/*
====================================
FEDERATED ACCOUNTS
====================================
*/

// SocialAuth signs a user in through a federated provider profile, creating
// the account on first contact.
func (s *UserService) SocialAuth(ctx context.Context, provider string, auth, profile map[string]any, req Request) (*UserDoc, error) {
	profileID, _ := profile["id"].(string)
	if profileID == "" {
		return nil, ErrFailedLogin
	}

	existing, err := s.userByView(ctx, provider, profileID)
	if err == nil {
		return s.socialLogin(ctx, existing, provider, auth, profile, req)
	}
	if !errors.Is(err, ErrUsernameNotFound) {
		return nil, err
	}

	var inviteKey, assignedID string
	if s.cfg.Security.InviteOnlyRegistration {
		code := req.Query.Get("inviteCode")
		if code == "" {
			return nil, ErrMissingInviteCode
		}
		inviteKey = inviteKeyPrefix + code
		value, err := s.sessions.GetKey(ctx, inviteKey)
		if err != nil {
			return nil, ErrMissingInviteCode
		}
		if internal.IsUserID(value) {
			assignedID = value
		}
	}

	email := profileEmail(profile)
	if email != "" {
		inUse, err := s.viewHasKey(ctx, "email", email)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, ErrInUseEmailLink
		}
	}

	doc := &UserDoc{Email: email}
	doc.SetType(s.cfg.DBServer.TypeField)

	switch {
	case assignedID != "":
		doc.ID = assignedID
	case s.cfg.Local.UUIDAsID:
		doc.ID = internal.UserID()
	default:
		base := baseUsername(profile, email)
		id, err := s.generateUsername(ctx, base)
		if err != nil {
			return nil, err
		}
		doc.ID = id
	}

	delete(profile, "_raw")
	if err := doc.SetProviderData(provider, ProviderEntry{Auth: auth, Profile: profile}); err != nil {
		return nil, err
	}
	doc.Providers = []string{provider}
	doc.Roles = append([]string(nil), s.cfg.Security.DefaultRoles...)
	doc.SignUp = &SignUpInfo{Provider: provider, Timestamp: nowMS(), IP: req.IP}

	if err := s.provisionDefaultDBs(ctx, doc); err != nil {
		return nil, err
	}

	doc.AddActivity(ActivityEntry{
		Timestamp: nowMS(),
		Action:    "signup",
		Provider:  provider,
		IP:        req.IP,
	}, s.cfg.Security.UserActivityLogSize)

	doc, err = runTransforms(ctx, s.onCreate, doc, provider, req)
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, doc); err != nil {
		return nil, err
	}

	if inviteKey != "" {
		if _, err := s.sessions.DeleteKeys(ctx, inviteKey); err != nil {
			s.log.Warn().Err(err).Str("user", doc.ID).Msg("invite code cleanup failed")
		}
	}

	s.events.Emit(Event{Name: EventSignup, UserID: doc.ID, Provider: provider})
	return doc, nil
}

func (s *UserService) socialLogin(ctx context.Context, user *UserDoc, provider string, auth, profile map[string]any, req Request) (*UserDoc, error) {
	delete(profile, "_raw")

	updated, err := s.updateUser(ctx, user.ID, func(doc *UserDoc) error {
		if err := doc.SetProviderData(provider, ProviderEntry{Auth: auth, Profile: profile}); err != nil {
			return err
		}
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "login",
			Provider:  provider,
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return runTransforms(ctx, s.onLink, updated, provider, req)
}

// LinkSocial attaches a federated profile to an existing account.
func (s *UserService) LinkSocial(ctx context.Context, userID, provider string, auth, profile map[string]any, req Request) (*UserDoc, error) {
	profileID, _ := profile["id"].(string)
	if profileID == "" {
		return nil, ErrProviderNotFound
	}

	other, err := s.userByView(ctx, provider, profileID)
	if err == nil && other.ID != userID {
		return nil, ErrInUseProvider(provider)
	}
	if err != nil && !errors.Is(err, ErrUsernameNotFound) {
		return nil, err
	}

	if email := profileEmail(profile); email != "" {
		owner, err := s.userByView(ctx, "email", email)
		if err == nil && owner.ID != userID {
			return nil, ErrInUseEmail
		}
		if err != nil && !errors.Is(err, ErrUsernameNotFound) {
			return nil, err
		}
	}

	delete(profile, "_raw")

	updated, err := s.updateUser(ctx, userID, func(doc *UserDoc) error {
		if entry, ok := doc.ProviderData(provider); ok {
			if existingID, _ := entry.Profile["id"].(string); existingID != "" && existingID != profileID {
				return ErrConflictProvider(provider)
			}
		}
		if err := doc.SetProviderData(provider, ProviderEntry{Auth: auth, Profile: profile}); err != nil {
			return err
		}
		doc.AddProvider(provider)
		doc.AddActivity(ActivityEntry{
			Timestamp: nowMS(),
			Action:    "link",
			Provider:  provider,
			IP:        req.IP,
		}, s.cfg.Security.UserActivityLogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return runTransforms(ctx, s.onLink, updated, provider, req)
}

// Unlink detaches a federated provider, refusing to orphan the account.
func (s *UserService) Unlink(ctx context.Context, userID, provider string) (*UserDoc, error) {
	if provider == "" {
		return nil, ErrMissingProviderToUnlink
	}
	if strings.EqualFold(provider, "local") {
		return nil, ErrUnlinkLocal
	}

	return s.updateUser(ctx, userID, func(doc *UserDoc) error {
		if len(doc.Providers) < 2 {
			return ErrUnlinkOnlyProvider
		}
		if !doc.HasProvider(provider) {
			return ErrProviderNotFound
		}
		doc.DeleteProviderData(provider)
		doc.RemoveProvider(provider)
		return nil
	})
}

/*
====================================
PROFILE HELPERS
====================================
*/

func profileEmail(profile map[string]any) string {
	emails, _ := profile["emails"].([]any)
	if len(emails) == 0 {
		return ""
	}
	first, _ := emails[0].(map[string]any)
	value, _ := first["value"].(string)
	return strings.ToLower(strings.TrimSpace(value))
}

// baseUsername derives the seed for generated usernames: profile username,
// then email local part, then display name without spaces, then the
// provider's profile id.
func baseUsername(profile map[string]any, email string) string {
	if v, _ := profile["username"].(string); v != "" {
		return strings.ToLower(v)
	}
	if email != "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at]
		}
	}
	if v, _ := profile["displayName"].(string); v != "" {
		return strings.ToLower(strings.ReplaceAll(v, " ", ""))
	}
	id, _ := profile["id"].(string)
	return strings.ToLower(id)
}

func copyForm(form map[string]any) map[string]any {
	out := make(map[string]any, len(form))
	for k, v := range form {
		out[k] = v
	}
	return out
}

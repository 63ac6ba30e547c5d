package couchguard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestVerifyEmail(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.SendConfirmEmail = true
		cfg.Local.UUIDAsID = true
	})
	ctx := context.Background()
	doc := mustCreate(t, h, "alice@example.com", "secretpw")

	if _, err := h.service.VerifyEmail(ctx, "bogus", Request{}); !errors.Is(err, ErrInvalidVerifyToken) {
		t.Fatalf("bad token err = %v", err)
	}

	updated, err := h.service.VerifyEmail(ctx, doc.UnverifiedEmail.Token, Request{})
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if updated.Email != "alice@example.com" {
		t.Errorf("email = %q", updated.Email)
	}
	if updated.UnverifiedEmail != nil {
		t.Error("unverifiedEmail survived")
	}

	// The token is gone with the block.
	if _, err := h.service.VerifyEmail(ctx, doc.UnverifiedEmail.Token, Request{}); !errors.Is(err, ErrInvalidVerifyToken) {
		t.Fatalf("reuse err = %v", err)
	}
}

func TestChangeEmail(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.UsernameKeys = []string{"email"}
		cfg.Local.UUIDAsID = true
	})
	ctx := context.Background()
	alice := mustCreate(t, h, "alice@example.com", "secretpw")

	updated, err := h.service.ChangeEmail(ctx, alice.ID, "newEmail@example.com", Request{})
	if err != nil {
		t.Fatalf("ChangeEmail: %v", err)
	}
	if updated.Email != "newEmail@example.com" {
		t.Errorf("email = %q", updated.Email)
	}

	// Clearing the only login credential is refused with the exact
	// client-facing message.
	_, err = h.service.ChangeEmail(ctx, alice.ID, "", Request{})
	var e *Error
	if !errors.As(err, &e) || e.Key != "only_login_credential" {
		t.Fatalf("err = %v, want only_login_credential", err)
	}
	if e.Message != "You cannot set your only login credential to null!" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestChangeEmailCollision(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mustCreate(t, h, "bob@example.com", "secretpw")
	alice := mustCreate(t, h, "alice@example.com", "secretpw")

	if _, err := h.service.ChangeEmail(ctx, alice.ID, "bob@example.com", Request{}); !errors.Is(err, ErrInUseEmail) {
		t.Fatalf("err = %v, want inuse_email", err)
	}
}

func TestChangeEmailRequiresPassword(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	doc, err := h.service.SocialAuth(ctx, "facebook", map[string]any{},
		socialProfile("fb77", "frank@example.com", ""), Request{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.service.ChangeEmail(ctx, doc.ID, "other@example.com", Request{}); !errors.Is(err, ErrPasswordNotSet) {
		t.Fatalf("err = %v, want password_not_set", err)
	}
}

func TestChangeEmailWithConfirmation(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.SendConfirmEmail = true
		cfg.Local.UUIDAsID = true
		cfg.Local.UsernameKeys = []string{"username", "email"}
	})
	ctx := context.Background()
	alice := mustCreate(t, h, "alice", "secretpw")

	updated, err := h.service.ChangeEmail(ctx, alice.ID, "late@example.com", Request{})
	if err != nil {
		t.Fatalf("ChangeEmail: %v", err)
	}
	if updated.Email != "" || updated.UnverifiedEmail == nil || updated.UnverifiedEmail.Email != "late@example.com" {
		t.Fatalf("pending state wrong: email=%q unverified=%+v", updated.Email, updated.UnverifiedEmail)
	}
	mail := h.mail.last(t)
	if mail.Template != "confirmEmail" || mail.To != "late@example.com" {
		t.Errorf("mail = %+v", mail)
	}
}

func TestChangePhone(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.UsernameKeys = []string{"username", "phone"}
		cfg.Local.UUIDAsID = true
	})
	ctx := context.Background()
	alice := mustCreate(t, h, "alice", "secretpw")

	updated, err := h.service.ChangePhone(ctx, alice.ID, "+15551234567", Request{})
	if err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	if updated.Phone != "+15551234567" {
		t.Errorf("phone = %q", updated.Phone)
	}

	if _, err := h.service.ChangePhone(ctx, alice.ID, "not-a-phone", Request{}); ErrorKey(err) != "validation_failed" {
		t.Fatalf("format err = %v", err)
	}

	bob := mustCreate(t, h, "bob", "secretpw")
	if _, err := h.service.ChangePhone(ctx, bob.ID, "+15551234567", Request{}); ErrorKey(err) != "inuse_phone" {
		t.Fatalf("collision err = %v", err)
	}

	// The username still exists, so the phone may be cleared.
	if _, err := h.service.ChangePhone(ctx, alice.ID, "", Request{}); err != nil {
		t.Fatalf("clearing phone: %v", err)
	}
}

func TestAddAndRemoveUserDB(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.UUIDAsID = true
	})
	ctx := context.Background()
	alice := mustCreate(t, h, "alice", "secretpw")

	session, err := h.service.CreateSession(ctx, alice.ID, "local", Request{})
	if err != nil {
		t.Fatal(err)
	}

	final, err := h.service.AddUserDB(ctx, alice.ID, "projects", "private", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("AddUserDB: %v", err)
	}
	if final != "cg_projects$"+alice.ID {
		t.Errorf("final = %q", final)
	}

	stored := h.userDB.load(t, alice.ID)
	entry, ok := stored.PersonalDBs[final]
	if !ok || entry.Name != "projects" || entry.Type != "private" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Permissions != nil {
		t.Error("permissions pinned without being supplied")
	}

	// The live session gained access.
	if !containsStr(h.dbAuth.authorized[final], session.Token) {
		t.Error("existing session not authorized on the new db")
	}

	if err := h.service.RemoveUserDB(ctx, alice.ID, "projects", true, false); err != nil {
		t.Fatalf("RemoveUserDB: %v", err)
	}
	stored = h.userDB.load(t, alice.ID)
	if _, ok := stored.PersonalDBs[final]; ok {
		t.Error("entry survived removal")
	}
	if !containsStr(h.dbAuth.removedDBs, final) {
		t.Error("private db was not destroyed despite deletePrivate")
	}
}

func TestRemoveUser(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.UUIDAsID = true
		cfg.UserDBs.DefaultPrivateDBs = []string{"notes"}
		cfg.UserDBs.DefaultSharedDBs = []string{"forum"}
	})
	ctx := context.Background()
	alice := mustCreate(t, h, "alice", "secretpw")
	session, err := h.service.CreateSession(ctx, alice.ID, "local", Request{})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.service.Remove(ctx, alice.ID, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := h.service.ConfirmSession(ctx, session.Token, session.Password); err == nil {
		t.Error("session survived account removal")
	}
	if h.dbAuth.hasKey(session.Token) {
		t.Error("db key survived account removal")
	}
	private := "cg_notes$" + alice.ID
	if !containsStr(h.dbAuth.removedDBs, private) {
		t.Error("private db not destroyed")
	}
	if containsStr(h.dbAuth.removedDBs, "forum") {
		t.Error("shared db was destroyed")
	}
	if _, err := h.service.loadUser(ctx, alice.ID); !errors.Is(err, ErrUsernameNotFound) {
		t.Error("user document survived")
	}
}

func TestActivityLogCapped(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.UUIDAsID = true
		cfg.Security.UserActivityLogSize = 3
	})
	ctx := context.Background()
	alice := mustCreate(t, h, "alice", "secretpw")

	for i := 0; i < 5; i++ {
		if err := h.service.LogActivity(ctx, alice.ID, "probe", "local", Request{}, nil, true); err != nil {
			t.Fatal(err)
		}
	}

	stored := h.userDB.load(t, alice.ID)
	if len(stored.Activity) != 3 {
		t.Fatalf("activity length = %d, want 3", len(stored.Activity))
	}
	// Newest first.
	for i := 1; i < len(stored.Activity); i++ {
		if stored.Activity[i-1].Timestamp < stored.Activity[i].Timestamp {
			t.Fatal("activity not sorted newest-first")
		}
	}
	if stored.Activity[0].Action != "probe" {
		t.Errorf("newest action = %q", stored.Activity[0].Action)
	}
}

func TestEventsEmitted(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Local.UUIDAsID = true
	})
	ctx := context.Background()

	got := make(chan Event, 16)
	h.service.Events().On("*", func(ev Event) { got <- ev })

	alice := mustCreate(t, h, "alice", "secretpw")
	if _, err := h.service.CreateSession(ctx, alice.ID, "local", Request{}); err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{EventSignup: false, EventLogin: false}
	for len(want) > 0 {
		select {
		case ev := <-got:
			if _, ok := want[ev.Name]; ok {
				if ev.UserID != alice.ID {
					t.Errorf("event %s for %q", ev.Name, ev.UserID)
				}
				delete(want, ev.Name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events: %v", want)
		}
	}
}

package mailer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSendEmailNoEmailMode(t *testing.T) {
	dir := t.TempDir()
	tpl := writeTemplate(t, dir, "confirm.txt", "Hi {{.User}}, confirm with {{.Token}}.")

	m := New(Config{
		FromEmail: "noreply@example.com",
		Templates: map[string]Template{
			"confirmEmail": {Subject: "Confirm your email", Template: tpl},
		},
		NoEmail: true,
	}, zerolog.Nop())

	if err := m.SendEmail("confirmEmail", "a@example.com", map[string]string{"User": "alice", "Token": "tok"}); err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if m.SuppressedSends() != 1 {
		t.Fatalf("suppressed sends = %d", m.SuppressedSends())
	}
}

func TestSendEmailUnknownTemplate(t *testing.T) {
	m := New(Config{NoEmail: true}, zerolog.Nop())
	err := m.SendEmail("nope", "a@example.com", nil)
	if err == nil || !strings.Contains(err.Error(), "no template") {
		t.Fatalf("err = %v", err)
	}
}

func TestRenderFailureSurfaces(t *testing.T) {
	dir := t.TempDir()
	tpl := writeTemplate(t, dir, "broken.txt", "Hello {{.Missing")

	m := New(Config{
		Templates: map[string]Template{"x": {Subject: "s", Template: tpl}},
		NoEmail:   true,
	}, zerolog.Nop())

	if err := m.SendEmail("x", "a@example.com", nil); err == nil {
		t.Fatal("broken template did not error")
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	dir := t.TempDir()
	tpl := writeTemplate(t, dir, "reset.html", "<p>Token: {{.Token}}</p>")

	m := New(Config{
		Templates: map[string]Template{
			"forgotPassword": {Subject: "Reset", Template: tpl, Format: "html"},
		},
		NoEmail: true,
	}, zerolog.Nop())

	body, isHTML, err := m.render(m.cfg.Templates["forgotPassword"], map[string]string{"Token": "<x>"})
	if err != nil {
		t.Fatal(err)
	}
	if !isHTML {
		t.Error("format html not detected")
	}
	if !strings.Contains(body, "&lt;x&gt;") {
		t.Errorf("html body not escaped: %q", body)
	}
}

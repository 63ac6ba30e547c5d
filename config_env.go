package couchguard

import (
	"github.com/caarlos0/env/v11"
)

// envConfig maps deployment-varying settings to environment variables.
// Everything structural (models, whitelists, mappings) stays in code.
type envConfig struct {
	CouchProtocol  string `env:"COUCH_PROTOCOL" envDefault:"http://"`
	CouchHost      string `env:"COUCH_HOST"`
	CouchUser      string `env:"COUCH_USER"`
	CouchPassword  string `env:"COUCH_PASSWORD"`
	CouchPublicURL string `env:"COUCH_PUBLIC_URL"`

	SessionAdapter string `env:"SESSION_ADAPTER"`
	SessionsRoot   string `env:"SESSIONS_ROOT"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	FromEmail    string `env:"MAIL_FROM"`
}

// ApplyEnv overlays environment-provided connection settings onto cfg.
// Unset variables leave cfg untouched.
func ApplyEnv(cfg *Config) error {
	e, err := env.ParseAs[envConfig]()
	if err != nil {
		return err
	}

	if e.CouchHost != "" {
		cfg.DBServer.Protocol = e.CouchProtocol
		cfg.DBServer.Host = e.CouchHost
		cfg.DBServer.User = e.CouchUser
		cfg.DBServer.Password = e.CouchPassword
	}
	if e.CouchPublicURL != "" {
		cfg.DBServer.PublicURL = e.CouchPublicURL
	}

	if e.SessionAdapter != "" {
		cfg.Session.Adapter = e.SessionAdapter
	}
	if e.SessionsRoot != "" {
		cfg.Session.SessionsRoot = e.SessionsRoot
	}
	if e.RedisAddr != "" {
		cfg.Session.Redis = RedisConfig{Addr: e.RedisAddr, Password: e.RedisPassword, DB: e.RedisDB}
	}

	if e.SMTPHost != "" {
		cfg.Mailer.SMTP.Host = e.SMTPHost
		cfg.Mailer.SMTP.Port = e.SMTPPort
		cfg.Mailer.SMTP.Username = e.SMTPUsername
		cfg.Mailer.SMTP.Password = e.SMTPPassword
	}
	if e.FromEmail != "" {
		cfg.Mailer.FromEmail = e.FromEmail
	}

	return nil
}

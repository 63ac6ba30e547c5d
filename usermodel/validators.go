package usermodel

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var formatChecker = validator.New()

// usernameRe deliberately excludes uppercase: usernames double as document
// ids and database name fragments, which are case-sensitive.
var usernameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// DefaultPhoneRe accepts E.164-style numbers; deployments override it via
// configuration.
var DefaultPhoneRe = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// ValidEmailFormat reports whether s is a plausible email address.
func ValidEmailFormat(s string) bool {
	return formatChecker.Var(s, "email") == nil
}

// ValidUsernameFormat reports whether s is usable as a username key.
func ValidUsernameFormat(s string) bool {
	return usernameRe.MatchString(s)
}

// ValidPhoneFormat reports whether s matches re, falling back to
// DefaultPhoneRe when re is nil.
func ValidPhoneFormat(s string, re *regexp.Regexp) bool {
	if re == nil {
		re = DefaultPhoneRe
	}
	return re.MatchString(s)
}

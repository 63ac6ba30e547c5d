// Package usermodel is a declarative, synchronous document validator. A
// Model whitelists and sanitizes incoming form fields, runs per-field and
// cross-field rules plus caller-supplied custom validators (format and
// uniqueness checks that hit the database), then applies renames and static
// field injection.
package usermodel

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CustomValidator inspects a field value and returns a user-facing message
// when the value is unacceptable, or "" when it passes. The error return is
// for infrastructure failures only.
type CustomValidator func(ctx context.Context, value string) (string, error)

// LengthRule bounds a string field.
type LengthRule struct {
	Minimum int
	Message string
}

// FieldRules is the validation declaration for one field.
type FieldRules struct {
	Presence bool
	Length   *LengthRule
	// Matches names another field whose value must be equal.
	Matches string
	// Custom lists names registered in Model.CustomValidators.
	Custom []string
}

// Model is a validation schema. Fields outside the whitelist are dropped
// silently before anything else runs.
type Model struct {
	Whitelist        []string
	Sanitize         map[string][]string
	Validate         map[string]FieldRules
	Rename           map[string]string
	Static           map[string]any
	CustomValidators map[string]CustomValidator
}

// Errors maps field names to their failure messages.
type Errors map[string][]string

func (e Errors) add(field, message string) {
	e[field] = append(e[field], message)
}

// Any reports whether any field failed.
func (e Errors) Any() bool {
	return len(e) > 0
}

func (e Errors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", f, strings.Join(e[f], ", "))
	}
	return b.String()
}

// Merge overlays b on top of a: whitelists union, per-field declarations
// from b win, custom validators accumulate.
func Merge(a, b Model) Model {
	out := Model{
		Whitelist:        unionStrings(a.Whitelist, b.Whitelist),
		Sanitize:         map[string][]string{},
		Validate:         map[string]FieldRules{},
		Rename:           map[string]string{},
		Static:           map[string]any{},
		CustomValidators: map[string]CustomValidator{},
	}

	for f, s := range a.Sanitize {
		out.Sanitize[f] = s
	}
	for f, s := range b.Sanitize {
		out.Sanitize[f] = s
	}
	for f, r := range a.Validate {
		out.Validate[f] = r
	}
	for f, r := range b.Validate {
		out.Validate[f] = r
	}
	for f, t := range a.Rename {
		out.Rename[f] = t
	}
	for f, t := range b.Rename {
		out.Rename[f] = t
	}
	for f, v := range a.Static {
		out.Static[f] = v
	}
	for f, v := range b.Static {
		out.Static[f] = v
	}
	for n, fn := range a.CustomValidators {
		out.CustomValidators[n] = fn
	}
	for n, fn := range b.CustomValidators {
		out.CustomValidators[n] = fn
	}
	return out
}

// Process validates doc against the model. It returns the transformed
// document, per-field messages when validation fails, or an error when a
// custom validator could not run at all.
func (m Model) Process(ctx context.Context, doc map[string]any) (map[string]any, Errors, error) {
	out := map[string]any{}
	for _, field := range m.Whitelist {
		if v, ok := doc[field]; ok {
			out[field] = v
		}
	}

	for field, sanitizers := range m.Sanitize {
		s, ok := out[field].(string)
		if !ok {
			continue
		}
		for _, name := range sanitizers {
			switch name {
			case "trim":
				s = strings.TrimSpace(s)
			case "toLowerCase":
				s = strings.ToLower(s)
			}
		}
		out[field] = s
	}

	failures := Errors{}
	for field, rules := range m.Validate {
		value, present := out[field]
		str, _ := value.(string)

		if rules.Presence && (!present || str == "") {
			failures.add(field, "can't be blank")
			continue
		}
		if !present || str == "" {
			continue
		}

		if rules.Length != nil && len(str) < rules.Length.Minimum {
			msg := rules.Length.Message
			if msg == "" {
				msg = fmt.Sprintf("must be at least %d characters", rules.Length.Minimum)
			}
			failures.add(field, msg)
		}

		if rules.Matches != "" {
			other, _ := out[rules.Matches].(string)
			if str != other {
				failures.add(field, fmt.Sprintf("does not match %s", rules.Matches))
			}
		}

		for _, name := range rules.Custom {
			fn, ok := m.CustomValidators[name]
			if !ok {
				return nil, nil, fmt.Errorf("unknown custom validator %q for field %q", name, field)
			}
			msg, err := fn(ctx, str)
			if err != nil {
				return nil, nil, err
			}
			if msg != "" {
				failures.add(field, msg)
			}
		}
	}

	if failures.Any() {
		return nil, failures, nil
	}

	for from, to := range m.Rename {
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
	}
	for field, v := range m.Static {
		out[field] = v
	}

	return out, nil, nil
}

func unionStrings(lists ...[]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, list := range lists {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

package platform

import (
	"fmt"
	"regexp"
	"strings"
)

// EmailPattern is the anchored shape a value must have to be masked.
// Both platform backends evaluate exactly this expression.
const EmailPattern = `^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`

var emailRegexp = regexp.MustCompile(EmailPattern)

// IsEmail reports whether value is non-empty and email shaped.
func IsEmail(value string) bool {
	return value != "" && emailRegexp.MatchString(value)
}

// MatchKind selects how a Predicate tests column values.
type MatchKind string

const (
	// MatchEmail selects non-null, non-empty values matching EmailPattern.
	MatchEmail MatchKind = "email"

	// MatchContains selects values containing Predicate.Value as a substring.
	MatchContains MatchKind = "contains"
)

// Predicate selects rows of a single column.
type Predicate struct {
	Schema string
	Table  string
	Column string
	Kind   MatchKind
	Value  string // Substring for MatchContains
}

// EmailPredicate returns the masking predicate for one column.
func EmailPredicate(schema, table, column string) Predicate {
	return Predicate{Schema: schema, Table: table, Column: column, Kind: MatchEmail}
}

// ContainsPredicate selects values of one column containing s.
func ContainsPredicate(schema, table, column, s string) Predicate {
	return Predicate{Schema: schema, Table: table, Column: column, Kind: MatchContains, Value: s}
}

// Validate checks the predicate is complete.
func (p Predicate) Validate() error {
	if p.Table == "" || p.Column == "" {
		return fmt.Errorf("predicate: table and column are required")
	}
	switch p.Kind {
	case MatchEmail:
	case MatchContains:
		if p.Value == "" {
			return fmt.Errorf("predicate on %s.%s: contains needs a value", p.Table, p.Column)
		}
	default:
		return fmt.Errorf("predicate on %s.%s: unknown match kind %q", p.Table, p.Column, p.Kind)
	}
	return nil
}

// Matches evaluates the predicate against a single value in Go.
func (p Predicate) Matches(value string) bool {
	switch p.Kind {
	case MatchEmail:
		return IsEmail(value)
	case MatchContains:
		return p.Value != "" && strings.Contains(value, p.Value)
	}
	return false
}

// ShortPolicy decides how local parts no longer than the visible prefix are masked.
type ShortPolicy string

const (
	// ShortFull replaces the whole local part with the token.
	ShortFull ShortPolicy = "full"

	// ShortPrefix keeps all but the last character of the local part.
	ShortPrefix ShortPolicy = "prefix"
)

// Rewrite describes how a matched email value is masked.
type Rewrite struct {
	Token         string
	VisiblePrefix int
	Policy        ShortPolicy
}

// Validate checks that masked output can never satisfy the email predicate again.
func (rw Rewrite) Validate() error {
	if rw.Token == "" {
		return fmt.Errorf("mask token must not be empty")
	}
	if strings.Contains(rw.Token, "@") {
		return fmt.Errorf("mask token %q must not contain '@'", rw.Token)
	}
	if !strings.ContainsFunc(rw.Token, func(r rune) bool { return !isLocalPartRune(r) }) {
		return fmt.Errorf("mask token %q must contain a character that cannot appear in an email local part", rw.Token)
	}
	if rw.VisiblePrefix < 0 {
		return fmt.Errorf("visible prefix must not be negative, got %d", rw.VisiblePrefix)
	}
	switch rw.Policy {
	case ShortFull, ShortPrefix:
	default:
		return fmt.Errorf("unknown short local part policy %q", rw.Policy)
	}
	return nil
}

// Apply masks one value. Values without an '@' are returned unchanged.
func (rw Rewrite) Apply(value string) string {
	at := strings.IndexByte(value, '@')
	if at < 0 {
		return value
	}
	local, domain := value[:at], value[at:]
	return local[:rw.Keep(len(local))] + rw.Token + domain
}

// Keep returns how many leading local-part characters survive masking.
func (rw Rewrite) Keep(localLen int) int {
	if localLen > rw.VisiblePrefix {
		return rw.VisiblePrefix
	}
	if rw.Policy == ShortPrefix && localLen > 0 {
		return min(rw.VisiblePrefix, localLen-1)
	}
	return 0
}

func isLocalPartRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("._%+-", r)
}

// Package subject validates dot-delimited subjects and matches them against
// wildcard patterns. A '*' token matches exactly one token and a trailing '>'
// token matches one or more remaining tokens.
package subject

import (
	"fmt"
	"strings"

	"github.com/c360/wsbridge/errors"
)

const (
	// MaxLength is the maximum subject length in bytes.
	MaxLength = 256

	// SingleWildcard matches exactly one token.
	SingleWildcard = "*"
	// FullWildcard matches one or more trailing tokens.
	FullWildcard = ">"

	// ClientIDPlaceholder is replaced with the client id in permission templates.
	ClientIDPlaceholder = "{clientId}"
)

// ValidateSubject checks a concrete subject: no wildcards allowed.
func ValidateSubject(s string) error {
	return validate(s, false)
}

// ValidatePattern checks a subject that may contain wildcard tokens.
func ValidatePattern(s string) error {
	return validate(s, true)
}

// HasWildcard reports whether s contains a wildcard token.
func HasWildcard(s string) bool {
	for _, tok := range strings.Split(s, ".") {
		if tok == SingleWildcard || tok == FullWildcard {
			return true
		}
	}
	return false
}

func validate(s string, wildcards bool) error {
	if s == "" {
		return invalid("subject is empty")
	}
	if len(s) > MaxLength {
		return invalid(fmt.Sprintf("subject exceeds %d bytes", MaxLength))
	}
	if s[0] == '.' || s[len(s)-1] == '.' {
		return invalid("subject has a leading or trailing dot")
	}

	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		if tok == "" {
			return invalid("subject has an empty token")
		}
		if tok == SingleWildcard || tok == FullWildcard {
			if !wildcards {
				return invalid("wildcards are not allowed here")
			}
			if tok == FullWildcard && i != len(tokens)-1 {
				return invalid("'>' must be the last token")
			}
			continue
		}
		for j := 0; j < len(tok); j++ {
			if !validChar(tok[j]) {
				return invalid(fmt.Sprintf("invalid character %q", tok[j]))
			}
		}
	}
	return nil
}

// validChar allows [A-Za-z0-9_-]. '*' and '>' are only valid as whole tokens.
func validChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}

func invalid(reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidSubject, reason),
		"subject", "Validate", "subject validation")
}

// Match reports whether the concrete subject matches pattern.
func Match(subject, pattern string) bool {
	if subject == "" || pattern == "" {
		return false
	}
	if pattern == FullWildcard {
		return true
	}

	st := strings.Split(subject, ".")
	pt := strings.Split(pattern, ".")

	for i, p := range pt {
		if p == FullWildcard {
			// Needs at least one remaining subject token.
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != SingleWildcard && p != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}

// MatchAny reports whether subject matches at least one pattern. An empty
// pattern list matches nothing.
func MatchAny(subject string, patterns []string) bool {
	for _, p := range patterns {
		if Match(subject, p) {
			return true
		}
	}
	return false
}

// Covers reports whether every subject matched by requested is also matched
// by allowed. For a concrete requested subject this is the same as Match.
func Covers(allowed, requested string) bool {
	if allowed == "" || requested == "" {
		return false
	}
	if allowed == FullWildcard {
		return true
	}

	at := strings.Split(allowed, ".")
	rt := strings.Split(requested, ".")

	for i, a := range at {
		if a == FullWildcard {
			return i == len(at)-1 && len(rt) > i
		}
		if i >= len(rt) {
			return false
		}
		r := rt[i]
		switch {
		case r == FullWildcard:
			// Only a '>' in allowed covers an open-ended tail.
			return false
		case a == SingleWildcard:
			continue
		case r == SingleWildcard:
			return false
		case a != r:
			return false
		}
	}
	return len(at) == len(rt)
}

// CoversAny reports whether requested is covered by at least one allowed pattern.
func CoversAny(requested string, allowed []string) bool {
	for _, a := range allowed {
		if Covers(a, requested) {
			return true
		}
	}
	return false
}

// Expand replaces the client id placeholder in a permission template.
func Expand(pattern, clientID string) string {
	return strings.ReplaceAll(pattern, ClientIDPlaceholder, clientID)
}

// ExpandAll expands every pattern, returning a new slice.
func ExpandAll(patterns []string, clientID string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = Expand(p, clientID)
	}
	return out
}

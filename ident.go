package tgward

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateIdentifier checks a group/channel identifier: a numeric id, a
// "-100…" channel id string, or a 5–32 character username with or without a
// leading @. Strings with whitespace fail here; callers that support exact
// dialog titles fall back to a title scan on that error.
func ValidateIdentifier(identifier string) error {
	if strings.TrimSpace(identifier) == "" {
		return fmt.Errorf("group identifier is empty")
	}

	if IsNumericIdentifier(identifier) {
		return nil
	}

	if strings.ContainsAny(identifier, " \t") {
		return fmt.Errorf("invalid group identifier %q: contains spaces, use numeric id or username", identifier)
	}

	name := strings.TrimPrefix(identifier, "@")
	if len(name) < 5 {
		return fmt.Errorf("invalid username %q: too short (min 5 characters)", identifier)
	}
	if len(name) > 32 {
		return fmt.Errorf("invalid username %q: too long (max 32 characters)", identifier)
	}
	if !usernameRe.MatchString(name) {
		return fmt.Errorf("invalid username %q: must start with a letter and contain only a-z, 0-9, _", identifier)
	}
	return nil
}

// IsNumericIdentifier reports whether identifier is an integer id, including
// the "-100…" marked channel form.
func IsNumericIdentifier(identifier string) bool {
	s := strings.TrimPrefix(strings.TrimSpace(identifier), "-")
	if s == "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// NormalizeTarget canonicalizes a target identifier for allowlist checks and
// action hashing: trimmed, leading @ stripped, lowercased.
func NormalizeTarget(target string) string {
	v := strings.TrimSpace(target)
	v = strings.TrimPrefix(v, "@")
	return strings.ToLower(v)
}

// ParseAllowlist splits a comma-separated target list into a normalized set.
func ParseAllowlist(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			set[NormalizeTarget(item)] = struct{}{}
		}
	}
	return set
}

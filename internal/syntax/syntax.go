// Package syntax applies the RFC-5322-shaped lexical gate on an
// address, ahead of any network-facing check. It never networks.
package syntax

import (
	"regexp"
	"strings"

	"github.com/optimode/mailverify/internal/parse"
	"github.com/optimode/mailverify/internal/registrable"
)

// Result is the outcome of a syntax check.
type Result struct {
	Valid  bool
	Local  string
	Domain string // normalized, lowercased
	Reason string // populated iff !Valid
}

// dotAtomPattern matches an unquoted local part: one or more atext
// runs separated by single dots, with no leading, trailing, or
// doubled dot. The character class covers RFC 5321 atext plus the
// Unicode letters and digits RFC 6531 (SMTPUTF8) permits in an
// internationalized mailbox.
var dotAtomPattern = regexp.MustCompile(
	`^[\p{L}\p{N}!#$%&'*+/=?^_` + "`" + `{|}~-]+(?:\.[\p{L}\p{N}!#$%&'*+/=?^_` + "`" + `{|}~-]+)*$`,
)

// quotedLocalPattern matches an RFC 5322 quoted-string local part:
// any character other than an unescaped quote or backslash, or a
// backslash-escaped pair, wrapped in a matching pair of quotes.
var quotedLocalPattern = regexp.MustCompile(`^"(?:[^"\\]|\\.)*"$`)

// domainLabelPattern matches one DNS label. Domain strings reaching
// this point are already ASCII/Punycode — internal/parse performs the
// IDNA conversion before Check ever sees them — so the pattern only
// needs to cover that alphabet.
var domainLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// allDigitsPattern flags a TLD made up entirely of digits.
var allDigitsPattern = regexp.MustCompile(`^[0-9]+$`)

// Check validates raw against the RFC-5322-shaped address grammar plus
// the public-suffix gate, and returns the normalized local/domain
// split when valid. Deterministic; never networks.
func Check(raw string) Result {
	email := parse.NewEmail(raw)

	if email.Raw == "" {
		return Result{Reason: "empty email address"}
	}
	if !email.Valid {
		return Result{Reason: "invalid email syntax"}
	}
	if len(email.Raw) > 254 {
		return Result{Reason: "email address exceeds 254 characters"}
	}
	if len(email.Local) > 64 {
		return Result{Reason: "local part exceeds 64 characters"}
	}

	if !isQuotedLocal(email.Raw) {
		if reason := validateLocal(email.Local); reason != "" {
			return Result{Reason: reason}
		}
	}

	domain := strings.ToLower(email.Domain)

	if reason := validateDomain(domain); reason != "" {
		return Result{Reason: reason}
	}

	// Bracketed IP literals have no public-suffix concept; only
	// labeled hostnames are gated against the public-suffix list.
	if !isIPLiteral(domain) {
		if !registrable.OnPublicSuffixList(domain) {
			return Result{Reason: "domain suffix is not a recognized public suffix"}
		}
	}

	return Result{Valid: true, Local: email.Local, Domain: domain}
}

func isIPLiteral(domain string) bool {
	return strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]")
}

// isQuotedLocal reports whether raw's local part is an RFC 5322
// quoted-string, in which case validateLocal's dot-atom grammar does
// not apply — a quoted local part may contain any character the
// quoting escapes.
func isQuotedLocal(raw string) bool {
	atIdx := strings.LastIndex(raw, "@")
	if atIdx < 1 {
		return false
	}
	return quotedLocalPattern.MatchString(raw[:atIdx])
}

// validateLocal checks an unquoted local part against the dot-atom
// grammar.
func validateLocal(local string) string {
	if local == "" {
		return "local part is empty"
	}
	if !dotAtomPattern.MatchString(local) {
		return "local part does not match the dot-atom grammar"
	}
	return ""
}

// validateDomain validates a domain that is either a bracketed IP
// literal or a sequence of DNS labels ending in a non-numeric,
// two-plus-character TLD.
func validateDomain(domain string) string {
	if domain == "" {
		return "domain is empty"
	}
	if isIPLiteral(domain) {
		return ""
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return "domain must have at least two labels"
	}
	for _, label := range labels {
		if len(label) > 63 {
			return "domain label exceeds 63 characters"
		}
		if !domainLabelPattern.MatchString(label) {
			return "domain label is not a valid DNS label: " + label
		}
	}

	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return "TLD must be at least two characters"
	}
	if allDigitsPattern.MatchString(tld) {
		return "TLD cannot be all digits"
	}

	return ""
}

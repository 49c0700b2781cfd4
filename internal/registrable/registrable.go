// Package registrable splits a hostname into its registrable domain
// (eTLD+1) and subdomain labels using the public-suffix list.
package registrable

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Split returns the registrable domain (eTLD+1) for host and the
// subdomain labels that precede it, if any. host must already be
// lowercase ASCII/Punycode. ok is false if host's suffix is not
// present on the public-suffix list, or host is otherwise unusable
// (empty, a bare TLD, a bracketed IP literal).
func Split(host string) (registrable string, subdomain string, ok bool) {
	host = strings.TrimSuffix(host, ".")
	if host == "" || strings.HasPrefix(host, "[") {
		return "", "", false
	}

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		// No list rule matched, so the default "*" rule returned just the
		// last label: the TLD is unlisted (a garbage TLD or a bare
		// hostname). Reject per the public-suffix gate.
		return "", "", false
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", "", false
	}

	if etld1 == host {
		return etld1, "", true
	}

	sub := strings.TrimSuffix(host, "."+etld1)
	return etld1, sub, true
}

// Registrable returns just the registrable domain (eTLD+1) for host.
// Returns host unchanged if it cannot be split (e.g. bracketed IP
// literal) so callers always have a usable cache/lookup key.
func Registrable(host string) string {
	etld1, _, ok := Split(host)
	if !ok {
		return host
	}
	return etld1
}

// OnPublicSuffixList reports whether host's suffix appears on the
// public-suffix list, without requiring a full eTLD+1 split.
func OnPublicSuffixList(host string) bool {
	_, _, ok := Split(host)
	return ok
}

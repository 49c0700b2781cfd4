// Package scorer maps one verification's stage outcomes to a score,
// a verdict, and a cache TTL. Pure and deterministic: same inputs
// always produce the same outputs, with no hidden state.
package scorer

import (
	"strings"
	"time"

	"github.com/optimode/mailverify/types"
)

// Input is the full set of stage outcomes the Scorer needs.
type Input struct {
	SyntaxValid bool
	DNSResult   types.DNSResult
	Disposable  bool
	CatchAll    types.CatchAllState
	SMTP        types.SMTPProbeResult
}

// Score computes the deliverability verdict for one verification.
func Score(in Input) types.VerificationResult {
	if !in.SyntaxValid {
		return result(types.StatusUndeliverable, 0, "Invalid email syntax")
	}

	dnsValid := in.DNSResult.HasMX || in.DNSResult.HasA
	if !dnsValid {
		return result(types.StatusUndeliverable, 0, "Domain has no valid mail server")
	}

	score := 0
	var reasons []string

	if in.Disposable {
		score += 20
		reasons = append(reasons, "Disposable email domain")
	} else {
		score += 50
	}

	switch in.CatchAll {
	case types.CatchAllTrue:
		score += 20
		reasons = append(reasons, "catch-all domain")
	case types.CatchAllFalse:
		score += 30
	case types.CatchAllUnknown:
		// +0
	}

	var smtpCode int
	hasSMTPCode := in.SMTP.Response != nil
	if hasSMTPCode {
		smtpCode = in.SMTP.Response.Code
	}

	switch {
	case in.SMTP.Success:
		score += 50
	case hasSMTPCode && smtpCode >= 500:
		reasons = append(reasons, "mailbox does not exist")
	case hasSMTPCode && smtpCode >= 400:
		score += 10
		reasons = append(reasons, "temporary mailbox failure")
	}

	// The three buckets can sum past 100 (e.g. 50 + 30 + 50); the score
	// is a confidence percentage, so cap it there.
	if score > 100 {
		score = 100
	}

	status := deriveStatus(score, in.CatchAll == types.CatchAllTrue, hasSMTPCode, smtpCode)

	return result(status, score, strings.Join(reasons, "; "))
}

// deriveStatus implements the corrected verdict derivation: the
// catch-all check runs before the score==100 early return, so a
// catch-all domain is never classified DELIVERABLE even at a perfect
// score. A 5xx RCPT TO reply is checked before the low-score UNKNOWN
// band, so it yields UNDELIVERABLE whatever the score.
func deriveStatus(score int, isCatchAll bool, hasSMTPCode bool, smtpCode int) types.Status {
	switch {
	case score >= 70 && isCatchAll:
		return types.StatusRisky
	case score == 100:
		return types.StatusDeliverable
	case hasSMTPCode && smtpCode >= 500:
		return types.StatusUndeliverable
	case score < 70 || !hasSMTPCode:
		return types.StatusUnknown
	default:
		return types.StatusUnknown
	}
}

func result(status types.Status, score int, reason string) types.VerificationResult {
	return types.VerificationResult{
		Status: status,
		Score:  score,
		Reason: reason,
		TTL:    ttlFor(score).Milliseconds(),
	}
}

// ttlFor derives the cache TTL from the score band. TIMEOUT results
// are not produced here — the Coordinator assigns their short TTL
// directly.
func ttlFor(score int) time.Duration {
	switch {
	case score >= 90:
		return 24 * time.Hour
	case score >= 70:
		return 12 * time.Hour
	case score >= 50:
		return 6 * time.Hour
	default:
		return time.Hour
	}
}

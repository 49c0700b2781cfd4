package mailverify

import "errors"

// The three caller-facing error kinds of the six spec.md §7
// enumerates. Each is a distinct sentinel so cmd/ entrypoints can
// errors.Is them into HTTP status
// codes, and structured log lines can carry an error_kind field
// without string-matching error text.
var (
	// ErrInput is returned for a malformed address or missing
	// parameter. Callers map this to 400. Never cached.
	ErrInput = errors.New("mailverify: input error")

	// ErrAdmissionRejected is returned when a domain's concurrency
	// gate is closed. Callers map this to 429; the caller is expected
	// to retry.
	ErrAdmissionRejected = errors.New("mailverify: admission rejected")

	// ErrInternal wraps an unexpected failure. Callers map this to
	// 500. Never cached.
	ErrInternal = errors.New("mailverify: internal error")
)

// TransientNetworkError, PermanentDeliveryError, and Timeout are not
// modeled as Go errors: per spec.md §7 they are absorbed into a scored
// VerificationResult (UNKNOWN, UNDELIVERABLE, and TIMEOUT respectively)
// rather than returned to the caller as failures.

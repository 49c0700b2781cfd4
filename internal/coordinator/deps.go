package coordinator

import (
	"context"

	"github.com/optimode/mailverify/types"
)

// BlocklistChecker answers whether a domain is on the disposable
// blocklist. Implemented by internal/blocklist.Client.
type BlocklistChecker interface {
	IsDisposable(ctx context.Context, domain string) bool
}

// DNSResolver resolves a domain's mail path. Implemented by
// internal/dnsclient.Resolver.
type DNSResolver interface {
	Lookup(ctx context.Context, domain string) types.DNSResult
}

// SMTPProber speaks the verification dialog against a domain's MX
// list. Implemented by internal/smtpprobe.Prober.
type SMTPProber interface {
	Verify(ctx context.Context, email string, mxRecords []types.MX) types.SMTPProbeResult
	TestCatchAll(ctx context.Context, domain string, mxRecords []types.MX) bool
}

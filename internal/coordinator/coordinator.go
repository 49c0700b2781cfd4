// Package coordinator implements the per-domain concurrency and
// caching spine described in spec.md §4.6: one single-writer actor per
// domain, owning that domain's DNS/catch-all cache, its per-email
// result cache, and its admission gate, orchestrating the full
// verification pipeline.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/registrable"
	"github.com/optimode/mailverify/internal/scorer"
	"github.com/optimode/mailverify/internal/syntax"
	"github.com/optimode/mailverify/types"
)

// ErrAdmissionRejected is returned when a domain's concurrency gate is
// closed. Callers map this to a 429-equivalent response.
var ErrAdmissionRejected = errors.New("coordinator: too many concurrent verifications for this domain")

// ErrEmptyAddress is returned for a missing/empty input address.
var ErrEmptyAddress = errors.New("coordinator: empty email address")

const (
	// DefaultMaxConcurrencyPerMX is the admission gate width.
	DefaultMaxConcurrencyPerMX = 5
	// DefaultEmailCacheSize bounds the per-domain LRU email cache.
	DefaultEmailCacheSize = 1024
	// DefaultDomainCacheTTL bounds how long a domain's DNS/catch-all
	// entry is trusted before a fresh lookup is required.
	DefaultDomainCacheTTL = time.Hour
	// DefaultInnerDeadline is the default for Config.InnerDeadline.
	// Verify does not apply InnerDeadline; OuterDeadline is the only
	// deadline it arms.
	DefaultInnerDeadline = 10 * time.Second
	// DefaultOuterDeadline bounds the whole verification end to end.
	DefaultOuterDeadline = 25 * time.Second
	// TimeoutTTL is the short cache TTL attached to a synthetic
	// TIMEOUT result, to allow fast retries.
	TimeoutTTL = 15 * time.Minute
)

// Config configures a Coordinator.
type Config struct {
	MaxConcurrencyPerMX int
	EmailCacheSize      int
	DomainCacheTTL      time.Duration
	InnerDeadline       time.Duration
	OuterDeadline       time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrencyPerMX <= 0 {
		c.MaxConcurrencyPerMX = DefaultMaxConcurrencyPerMX
	}
	if c.EmailCacheSize <= 0 {
		c.EmailCacheSize = DefaultEmailCacheSize
	}
	if c.DomainCacheTTL <= 0 {
		c.DomainCacheTTL = DefaultDomainCacheTTL
	}
	if c.InnerDeadline <= 0 {
		c.InnerDeadline = DefaultInnerDeadline
	}
	if c.OuterDeadline <= 0 {
		c.OuterDeadline = DefaultOuterDeadline
	}
}

// Coordinator is the sharded domain-actor registry. One Coordinator
// instance serves the whole process; it creates one actor per distinct
// domain on first request and keeps it for the process lifetime.
type Coordinator struct {
	cfg Config

	mu     sync.Mutex // guards registry membership only, never cache/counter state
	actors map[string]*actor

	blocklist BlocklistChecker
	dns       DNSResolver
	prober    SMTPProber
	logger    zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New builds a Coordinator. blocklist, dns, and prober must not be nil.
func New(cfg Config, blocklist BlocklistChecker, dns DNSResolver, prober SMTPProber, opts ...Option) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:       cfg,
		actors:    make(map[string]*actor),
		blocklist: blocklist,
		dns:       dns,
		prober:    prober,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify runs the full verification pipeline for raw, routing it
// through the domain's single-writer actor.
func (c *Coordinator) Verify(ctx context.Context, raw string) (types.VerificationResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.VerificationResult{}, ErrEmptyAddress
	}

	domain, hasDomain := extractDomain(raw)
	if !hasDomain {
		// No "@" to route by; this is a normal, scoreable syntax
		// failure, not an input error — satisfies the invariant that
		// every syntactically invalid address still yields a result.
		r := scorer.Score(scorer.Input{SyntaxValid: false})
		r.Email = raw
		r.CheckedAt = types.NowMillis(time.Now())
		return r, nil
	}

	act := c.getOrCreateActor(domain)

	if !act.tryAdmit() {
		return types.VerificationResult{}, ErrAdmissionRejected
	}
	defer act.release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OuterDeadline)
	defer cancel()

	result, timedOut := c.runPipeline(ctx, act, domain, raw)
	if timedOut {
		return timeoutResult(raw), nil
	}
	return result, nil
}

// runPipeline executes spec.md §4.6 steps 4-10 for one email, already
// admitted onto domain's actor. timedOut reports whether the outer
// deadline fired before a result was produced.
func (c *Coordinator) runPipeline(ctx context.Context, act *actor, domain, raw string) (types.VerificationResult, bool) {
	type outcome struct {
		result types.VerificationResult
	}
	done := make(chan outcome, 1)

	go func() {
		done <- outcome{c.pipeline(ctx, act, domain, raw)}
	}()

	select {
	case o := <-done:
		return o.result, false
	case <-ctx.Done():
		return types.VerificationResult{}, true
	}
}

func (c *Coordinator) pipeline(ctx context.Context, act *actor, domain, raw string) types.VerificationResult {
	now := time.Now()

	check := syntax.Check(raw)
	if !check.Valid {
		return stamp(scorer.Score(scorer.Input{SyntaxValid: false}), raw, now)
	}
	c.logger.Debug().Str("domain", domain).Msg("syntax_ok")

	// The cache key is the normalized lowercase address (spec.md §3);
	// raw's original casing is preserved in the returned result's
	// Email field below.
	email := strings.ToLower(check.Local) + "@" + check.Domain
	if cached, hit := act.lookupEmail(email, now); hit {
		return cached
	}

	disposable := c.blocklist.IsDisposable(ctx, check.Domain)
	c.logger.Debug().Str("domain", domain).Msg("blocklist_done")

	// resolveDNS single-flights the lookup: if several addresses at a
	// brand-new domain are admitted concurrently, only the first to
	// reach the actor runs c.dns.Lookup; the rest block on it and then
	// read the cached result, so at most one DNS query is in flight
	// for this domain at any moment (spec.md Invariant 3).
	dnsResult := act.resolveDNS(ctx, now, func(ctx context.Context) types.DNSResult {
		return c.dns.Lookup(ctx, domain)
	})
	c.logger.Debug().Str("domain", domain).Msg("dns_done")

	if !dnsResult.HasMX && !dnsResult.HasA {
		result := stamp(scorer.Score(scorer.Input{
			SyntaxValid: true,
			DNSResult:   dnsResult,
			Disposable:  disposable,
			CatchAll:    types.CatchAllUnknown,
		}), raw, now)
		act.storeEmail(email, result, now)
		return result
	}

	var smtpResult types.SMTPProbeResult
	catchAll := types.CatchAllUnknown
	if dnsResult.HasMX {
		smtpResult = c.prober.Verify(ctx, email, dnsResult.Records)
		c.logger.Debug().Str("domain", domain).Msg("smtp_done")

		// Per spec.md §9's correction, the catch-all probe runs on the
		// very first full verification of a domain. resolveCatchAll
		// single-flights it the same way resolveDNS single-flights the
		// MX lookup, so concurrent first verifications of a new domain
		// still only ever trigger one probe.
		catchAll = act.resolveCatchAll(ctx, func(ctx context.Context) types.CatchAllState {
			if c.prober.TestCatchAll(ctx, domain, dnsResult.Records) {
				return types.CatchAllTrue
			}
			return types.CatchAllFalse
		})
		c.logger.Debug().Str("domain", domain).Msg("catchall_done")
	}

	result := stamp(scorer.Score(scorer.Input{
		SyntaxValid: true,
		DNSResult:   dnsResult,
		Disposable:  disposable,
		CatchAll:    catchAll,
		SMTP:        smtpResult,
	}), raw, now)
	act.storeEmail(email, result, now)
	c.logger.Debug().Str("domain", domain).Msg("scored")
	return result
}

// stamp fills in the fields that belong to the caller's request, not
// to the pure scoring function, on a freshly computed result. Cached
// results already carry these from when they were stamped and must be
// returned untouched to satisfy the bit-for-bit idempotence invariant.
func stamp(result types.VerificationResult, raw string, now time.Time) types.VerificationResult {
	result.Email = raw
	result.CheckedAt = types.NowMillis(now)
	return result
}

func timeoutResult(raw string) types.VerificationResult {
	return types.VerificationResult{
		Email:  raw,
		Status: types.StatusTimeout,
		Score:  0,
		Reason: "verification deadline exceeded",
		TTL:    TimeoutTTL.Milliseconds(),
	}
}

func (c *Coordinator) getOrCreateActor(domain string) *actor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.actors[domain]; ok {
		return a
	}
	a := newActor(domain, c.cfg.MaxConcurrencyPerMX, c.cfg.EmailCacheSize, c.cfg.DomainCacheTTL)
	c.actors[domain] = a
	return a
}

// extractDomain splits raw on the last "@", requiring non-empty local
// and domain parts. It does not validate grammar — that is the
// Syntax Validator's job — it only decides whether raw can be routed
// to a domain actor at all.
func extractDomain(raw string) (domain string, ok bool) {
	idx := strings.LastIndex(raw, "@")
	if idx < 1 || idx >= len(raw)-1 {
		return "", false
	}
	return strings.ToLower(raw[idx+1:]), true
}

// Registrable exposes the registrable-domain helper for callers that
// need it outside the pipeline (e.g. blocklist refresh tooling).
func Registrable(domain string) string {
	return registrable.Registrable(domain)
}

// Package mailverify scores the deliverability of an email address by
// combining syntax validation, DNS mail-path resolution, disposable-domain
// blocklisting, a live SMTP RCPT TO probe, and a catch-all check, per
// domain, behind a bounded per-domain concurrency gate.
//
// Basic usage:
//
//	v, err := mailverify.New(mailverify.Config{
//	    SmtpHeloDomain: "myapp.com",
//	    ProbeEmail:     "verify@myapp.com",
//	})
//	result, err := v.Verify(ctx, "user@example.com")
package mailverify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/optimode/mailverify/internal/blocklist"
	"github.com/optimode/mailverify/internal/coordinator"
	"github.com/optimode/mailverify/internal/dnsclient"
	"github.com/optimode/mailverify/internal/smtpprobe"
	"github.com/optimode/mailverify/types"
)

// VerificationResult is a re-export so consumers don't need to import
// the types package directly.
type VerificationResult = types.VerificationResult

// Status is a re-export.
type Status = types.Status

// Status constants re-exported.
const (
	StatusDeliverable   = types.StatusDeliverable
	StatusRisky         = types.StatusRisky
	StatusUnknown       = types.StatusUnknown
	StatusUndeliverable = types.StatusUndeliverable
	StatusTimeout       = types.StatusTimeout
)

// Verifier is the main entry point. Build one with New and reuse it
// for the process lifetime: it owns a per-domain actor registry, a DNS
// resolver, an SMTP prober, and a disposable-domain blocklist client.
type Verifier struct {
	cfg   Config
	coord *coordinator.Coordinator
}

// Option configures a Verifier at construction time.
type Option func(*verifierOptions)

type verifierOptions struct {
	logger zerolog.Logger
}

// WithLogger attaches a structured logger shared by every internal
// component. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *verifierOptions) { o.logger = l }
}

// New builds a Verifier. cfg.SmtpHeloDomain and cfg.ProbeEmail are
// required; all other fields take documented defaults.
func New(cfg Config, opts ...Option) (*Verifier, error) {
	if cfg.SmtpHeloDomain == "" || cfg.ProbeEmail == "" {
		return nil, fmt.Errorf("%w: SmtpHeloDomain and ProbeEmail are required", ErrInput)
	}
	cfg.setDefaults()

	o := &verifierOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	store := blocklistStore(cfg)
	bl := blocklist.New(store, blocklist.WithLogger(o.logger))

	dns := dnsclient.New(dnsclient.WithLogger(o.logger))

	prober := smtpprobe.New(smtpprobe.Config{
		HeloDomain: cfg.SmtpHeloDomain,
		MailFrom:   cfg.ProbeEmail,
		Timeout:    cfg.smtpTimeout(),
	}, smtpprobe.WithLogger(o.logger))

	coord := coordinator.New(coordinator.Config{
		MaxConcurrencyPerMX: cfg.MaxConcurrencyPerMX,
		EmailCacheSize:      cfg.EmailCacheSize,
		DomainCacheTTL:      cfg.DomainCacheTTL,
		OuterDeadline:       cfg.OuterDeadline,
	}, bl, dns, prober, coordinator.WithLogger(o.logger))

	return &Verifier{cfg: cfg, coord: coord}, nil
}

func blocklistStore(cfg Config) blocklist.Store {
	if cfg.RedisAddr == "" {
		return blocklist.NewMemoryStore()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return blocklist.NewRedisStore(rdb)
}

// Verify scores a single address end to end. It never returns an
// UNKNOWN-because-of-an-error result as a Go error: transient network
// failures, SMTP rejections, and outer-deadline timeouts are all
// absorbed into the returned VerificationResult per spec.md §7. Only
// ErrInput (malformed call, not malformed address) and
// ErrAdmissionRejected surface as errors.
func (v *Verifier) Verify(ctx context.Context, email string) (VerificationResult, error) {
	result, err := v.coord.Verify(ctx, email)
	if err == nil {
		return result, nil
	}
	switch {
	case errors.Is(err, coordinator.ErrEmptyAddress):
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrInput, err)
	case errors.Is(err, coordinator.ErrAdmissionRejected):
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrAdmissionRejected, err)
	default:
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
}

// ConcurrencyOptions configures concurrent processing for VerifyMany.
type ConcurrencyOptions struct {
	// Workers is the number of concurrent goroutines. Default: 5.
	Workers int
}

// VerifyMany verifies multiple addresses concurrently, bounded to
// Workers in-flight verifications at a time via errgroup.Group's
// concurrency limit. The result order matches the input slice order.
// Addresses are visited in domain-sorted order so that requests
// against the same domain actor tend to start close together,
// improving domain-cache and admission-gate locality; an
// AdmissionRejected for one address in a batch does not fail the
// others — each goroutine records its own outcome and returns nil to
// the group, so one rejection never cancels the rest of the batch.
func (v *Verifier) VerifyMany(ctx context.Context, emails []string, opts ...ConcurrencyOptions) ([]VerificationResult, error) {
	workers := 5
	if len(opts) > 0 && opts[0].Workers > 0 {
		workers = opts[0].Workers
	}

	results := make([]VerificationResult, len(emails))
	order := domainSortedIndices(emails)

	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	var firstErr error

	for _, idx := range order {
		idx := idx
		g.Go(func() error {
			res, err := v.Verify(ctx, emails[idx])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("verifying %q: %w", emails[idx], err)
				}
				mu.Unlock()
				return nil
			}
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()

	return results, firstErr
}

// domainSortedIndices returns the indices of emails ordered by the
// lowercased domain each address resolves to, so that errgroup.Go's
// launch order — and therefore the set of addresses running at any
// given moment under the Workers limit — clusters same-domain work.
func domainSortedIndices(emails []string) []int {
	order := make([]int, len(emails))
	for i := range order {
		order[i] = i
	}
	domainOf := func(e string) string {
		if atIdx := strings.LastIndex(e, "@"); atIdx >= 0 {
			return strings.ToLower(e[atIdx+1:])
		}
		return ""
	}
	sort.Slice(order, func(i, j int) bool {
		return domainOf(emails[order[i]]) < domainOf(emails[order[j]])
	})
	return order
}

// Package blocklist looks up a domain (and its registrable parent)
// against an external disposable-domain key/value store.
package blocklist

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/registrable"
)

// LookupTimeout is the hard cap on a single backend round trip
// (including the registrable-parent retry).
const LookupTimeout = 2 * time.Second

// KeyPrefix is the canonical key namespace, preserved for
// interoperability with existing disposable-domain datasets.
const KeyPrefix = "blocklist/disposable/"

// Store is the external key/value backend. Get reports whether key is
// present; err is non-nil only on a genuine backend failure (a clean
// miss is ok=false, err=nil).
type Store interface {
	Get(ctx context.Context, key string) (ok bool, err error)
}

// Client answers IsDisposable by checking a domain and, on a miss, its
// registrable parent. Any backend error or timeout is swallowed and
// treated as "not disposable" — a blocklist outage must never block
// verification.
type Client struct {
	store  Store
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client backed by store.
func New(store Store, opts ...Option) *Client {
	c := &Client{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDisposable reports whether domain (or its registrable parent) is
// on the disposable-domain blocklist. domain must already be
// lowercased. Never returns an error: any backend failure degrades to
// false.
func (c *Client) IsDisposable(ctx context.Context, domain string) bool {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	if hit := c.lookup(ctx, domain); hit {
		return true
	}

	parent := registrable.Registrable(domain)
	if parent == domain {
		return false
	}
	return c.lookup(ctx, parent)
}

func (c *Client) lookup(ctx context.Context, key string) bool {
	ok, err := c.store.Get(ctx, KeyPrefix+key)
	if err != nil {
		c.logger.Debug().Str("domain", key).Err(err).Msg("blocklist_lookup_failed")
		return false
	}
	return ok
}

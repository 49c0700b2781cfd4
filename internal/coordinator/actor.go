package coordinator

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/optimode/mailverify/types"
)

// domainCacheEntry is the single per-domain DNS/catch-all cache
// record a domain's actor owns. There is exactly one, per spec.md §3.
type domainCacheEntry struct {
	dns       types.DNSResult
	catchAll  types.CatchAllState
	createdAt time.Time
}

func (e domainCacheEntry) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.createdAt) > ttl
}

// emailCacheEntry is one per-address cached verification result.
type emailCacheEntry struct {
	result    types.VerificationResult
	createdAt time.Time
}

func (e emailCacheEntry) expired(now time.Time) bool {
	ttl := time.Duration(e.result.TTL) * time.Millisecond
	return now.Sub(e.createdAt) > ttl
}

// state is the mutable data a single domain actor owns. All access
// goes through the actor's command loop, so state itself needs no
// internal locking.
//
// domainPending and catchAllPending are non-nil while a DNS lookup (or
// catch-all probe) for this domain is in flight; they are closed when
// that work lands. A second caller that finds one set waits on it
// instead of starting its own lookup/probe, which is what keeps both
// operations to one in-flight instance per domain even when several
// addresses at a brand-new domain are admitted at once.
type state struct {
	domainEntry     *domainCacheEntry
	domainPending   chan struct{}
	catchAllPending chan struct{}
	emailCache      *lru.Cache[string, emailCacheEntry]
	activeTasks     int
	maxConcurrency  int
	domainCacheTTL  time.Duration
}

func newState(maxConcurrency, emailCacheSize int, domainCacheTTL time.Duration) *state {
	cache, _ := lru.New[string, emailCacheEntry](emailCacheSize)
	return &state{
		emailCache:     cache,
		maxConcurrency: maxConcurrency,
		domainCacheTTL: domainCacheTTL,
	}
}

// actor is the single-writer per-domain coordinator. All cache reads,
// cache writes, and activeTasks mutations for one domain are
// serialized through cmds; the network I/O that a verification
// performs between those mutations happens in the caller's own
// goroutine, never inside the actor loop.
type actor struct {
	domain string
	cmds   chan func(*state)
	done   chan struct{}
}

func newActor(domain string, maxConcurrency, emailCacheSize int, domainCacheTTL time.Duration) *actor {
	a := &actor{
		domain: domain,
		cmds:   make(chan func(*state)),
		done:   make(chan struct{}),
	}
	go a.run(newState(maxConcurrency, emailCacheSize, domainCacheTTL))
	return a
}

func (a *actor) run(s *state) {
	for {
		select {
		case cmd := <-a.cmds:
			cmd(s)
		case <-a.done:
			return
		}
	}
}

// exec runs cmd on the actor's goroutine and blocks until it
// completes. cmd must not block or perform I/O.
func (a *actor) exec(cmd func(*state)) {
	result := make(chan struct{})
	a.cmds <- func(s *state) {
		cmd(s)
		close(result)
	}
	<-result
}

// tryAdmit reports whether a new task may start, incrementing
// activeTasks if so. Pairs with release.
func (a *actor) tryAdmit() bool {
	var admitted bool
	a.exec(func(s *state) {
		if s.activeTasks >= s.maxConcurrency {
			return
		}
		s.activeTasks++
		admitted = true
	})
	return admitted
}

func (a *actor) release() {
	a.exec(func(s *state) {
		if s.activeTasks > 0 {
			s.activeTasks--
		}
	})
}

func (a *actor) activeCount() int {
	var n int
	a.exec(func(s *state) { n = s.activeTasks })
	return n
}

// lookupEmail evicts the entry lazily if expired, then reports a hit.
func (a *actor) lookupEmail(email string, now time.Time) (types.VerificationResult, bool) {
	var (
		result types.VerificationResult
		hit    bool
	)
	a.exec(func(s *state) {
		entry, ok := s.emailCache.Get(email)
		if !ok {
			return
		}
		if entry.expired(now) {
			s.emailCache.Remove(email)
			return
		}
		result, hit = entry.result, true
	})
	return result, hit
}

func (a *actor) storeEmail(email string, result types.VerificationResult, now time.Time) {
	a.exec(func(s *state) {
		s.emailCache.Add(email, emailCacheEntry{result: result, createdAt: now})
	})
}

// resolveDNS returns domain's cached DNS result, evicting it lazily if
// expired. If no live entry exists, the first caller to observe that
// becomes the sole "leader": it runs fetch outside the actor loop and
// stores the result, while every other concurrent caller for the same
// domain blocks on the leader's in-flight channel and then re-reads
// the now-populated cache, rather than each running its own fetch.
// This is what keeps DNS lookups to at most one in flight per domain.
func (a *actor) resolveDNS(ctx context.Context, now time.Time, fetch func(context.Context) types.DNSResult) types.DNSResult {
	for {
		var (
			result types.DNSResult
			hit    bool
			wait   chan struct{}
		)
		a.exec(func(s *state) {
			if s.domainEntry != nil && s.domainEntry.expired(s.domainCacheTTL, now) {
				s.domainEntry = nil
			}
			if s.domainEntry != nil {
				result, hit = s.domainEntry.dns, true
				return
			}
			if s.domainPending != nil {
				wait = s.domainPending
				return
			}
			s.domainPending = make(chan struct{})
		})
		if hit {
			return result
		}
		if wait != nil {
			<-wait
			continue
		}

		fetched := fetch(ctx)
		a.exec(func(s *state) {
			s.domainEntry = &domainCacheEntry{dns: fetched, catchAll: types.CatchAllUnknown, createdAt: now}
			close(s.domainPending)
			s.domainPending = nil
		})
		return fetched
	}
}

// resolveCatchAll returns domain's cached catch-all verdict, running
// probe exactly once per live domain-cache entry. The same
// leader/waiter shape as resolveDNS keeps the probe to one in flight
// per domain, satisfying the once-per-domain-cache-lifetime invariant
// even when several first verifications of a new domain race.
func (a *actor) resolveCatchAll(ctx context.Context, probe func(context.Context) types.CatchAllState) types.CatchAllState {
	for {
		var (
			result types.CatchAllState
			known  bool
			wait   chan struct{}
		)
		a.exec(func(s *state) {
			if s.domainEntry == nil {
				result, known = types.CatchAllUnknown, true
				return
			}
			if s.domainEntry.catchAll != types.CatchAllUnknown {
				result, known = s.domainEntry.catchAll, true
				return
			}
			if s.catchAllPending != nil {
				wait = s.catchAllPending
				return
			}
			s.catchAllPending = make(chan struct{})
		})
		if known {
			return result
		}
		if wait != nil {
			<-wait
			continue
		}

		verdict := probe(ctx)
		a.exec(func(s *state) {
			if s.domainEntry != nil {
				s.domainEntry.catchAll = verdict
			}
			close(s.catchAllPending)
			s.catchAllPending = nil
		})
		return verdict
	}
}

func (a *actor) close() {
	close(a.done)
}

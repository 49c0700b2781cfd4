// Package dnsclient resolves MX and A/AAAA presence for a domain via
// DNS-over-HTTPS, the way the Domain Coordinator's DNS stage needs it.
package dnsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/types"
)

// Endpoint is the DoH query endpoint used by the default client.
const Endpoint = "https://cloudflare-dns.com/dns-query"

// DefaultTimeout bounds a single DoH HTTP call.
const DefaultTimeout = 5 * time.Second

// httpDoer is satisfied by *http.Client; injectable for tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver issues DNS-over-HTTPS queries for MX and A/AAAA presence.
type Resolver struct {
	client  httpDoer
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client (injectable for tests).
func WithHTTPClient(c httpDoer) Option {
	return func(r *Resolver) { r.client = c }
}

// WithTimeout overrides the per-query timeout. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New builds a Resolver against the default Cloudflare DoH endpoint.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		client:  &http.Client{Timeout: DefaultTimeout},
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// dohAnswer is one record in a DoH response's Answer array.
type dohAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

// dohResponse is the DoH JSON response shape:
// { Status, Answer?: [{ name, type, TTL, data }] }.
type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

const (
	rrTypeA    = 1
	rrTypeAAAA = 28
	rrTypeMX   = 15
)

// Lookup resolves domain's MX records and A/AAAA presence. On any
// error from either concurrent query, returns the zero result
// (hasMx=false, no records, hasA=false) — callers treat this as
// "domain has no mail path" and let scoring handle it.
func (r *Resolver) Lookup(ctx context.Context, domain string) types.DNSResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type mxOutcome struct {
		records []types.MX
		err     error
	}
	type aOutcome struct {
		hasA bool
		err  error
	}

	mxCh := make(chan mxOutcome, 1)
	aCh := make(chan aOutcome, 1)

	go func() {
		records, err := r.queryMX(ctx, domain)
		mxCh <- mxOutcome{records, err}
	}()
	go func() {
		hasA, err := r.queryHasRecords(ctx, domain, rrTypeA)
		if err == nil && !hasA {
			hasA, err = r.queryHasRecords(ctx, domain, rrTypeAAAA)
		}
		aCh <- aOutcome{hasA, err}
	}()

	mx := <-mxCh
	a := <-aCh

	if mx.err != nil || a.err != nil {
		r.logger.Debug().Str("domain", domain).Msg("dns_lookup_failed")
		return types.DNSResult{}
	}

	return types.DNSResult{
		HasMX:   len(mx.records) > 0,
		Records: mx.records,
		HasA:    a.hasA,
	}
}

func (r *Resolver) queryMX(ctx context.Context, domain string) ([]types.MX, error) {
	answers, err := r.query(ctx, domain, rrTypeMX)
	if err != nil {
		return nil, err
	}

	records := make([]types.MX, 0, len(answers))
	for _, ans := range answers {
		prio, exchange, ok := parseMXData(ans.Data)
		if !ok {
			continue
		}
		records = append(records, types.MX{Priority: prio, Exchange: exchange})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	return records, nil
}

func (r *Resolver) queryHasRecords(ctx context.Context, domain string, rrType int) (bool, error) {
	answers, err := r.query(ctx, domain, rrType)
	if err != nil {
		return false, err
	}
	return len(answers) > 0, nil
}

func (r *Resolver) query(ctx context.Context, domain string, rrType int) ([]dohAnswer, error) {
	q := url.Values{}
	q.Set("name", domain)
	q.Set("type", typeName(rrType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build doh request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("doh server error: %d", resp.StatusCode)
	}

	var parsed dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode doh response: %w", err)
	}

	return parsed.Answer, nil
}

func typeName(rrType int) string {
	switch rrType {
	case rrTypeA:
		return "A"
	case rrTypeAAAA:
		return "AAAA"
	case rrTypeMX:
		return "MX"
	default:
		return strconv.Itoa(rrType)
	}
}

// parseMXData parses a wire "<priority> <exchange>" MX data string,
// stripping the trailing dot from the exchange.
func parseMXData(data string) (priority uint16, exchange string, ok bool) {
	fields := strings.Fields(data)
	if len(fields) != 2 {
		return 0, "", false
	}
	p, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(p), strings.TrimSuffix(fields[1], "."), true
}

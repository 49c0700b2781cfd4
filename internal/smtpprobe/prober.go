// Package smtpprobe opens a fresh TCP connection to a domain's mail
// exchangers and speaks the minimal SMTP dialog needed to learn
// whether a mailbox is likely to accept mail, without ever sending
// DATA.
package smtpprobe

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/types"
)

// DefaultTimeout is the single hard deadline armed for the whole
// dialog against one MX.
const DefaultTimeout = 5 * time.Second

// DefaultPort is the SMTP port probed.
const DefaultPort = "25"

const probeLocalCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// dialFunc is injectable for tests.
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Config configures a Prober.
type Config struct {
	HeloDomain string
	MailFrom   string
	Timeout    time.Duration // per-MX-attempt hard deadline, default 5s
	Port       string        // default "25"
	Dial       dialFunc      // default net.DialTimeout
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.Dial == nil {
		c.Dial = net.DialTimeout
	}
}

// Prober speaks the verification SMTP dialog against a domain's MX
// list, opening a fresh connection per MX (and per catch-all probe).
type Prober struct {
	cfg    Config
	logger zerolog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// New builds a Prober.
func New(cfg Config, opts ...Option) *Prober {
	cfg.setDefaults()
	p := &Prober{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Verify tries mxRecords in order until a conclusive answer (a
// positive or 5xx RCPT TO) or the list is exhausted.
func (p *Prober) Verify(ctx context.Context, email string, mxRecords []types.MX) types.SMTPProbeResult {
	var lastErr string
	for _, mx := range mxRecords {
		result, conclusive := p.dialOne(ctx, mx.Exchange, email)
		if conclusive {
			return result
		}
		if result.Error != "" {
			lastErr = result.Error
		}
	}
	if lastErr == "" {
		lastErr = "no MX records to try"
	}
	return types.SMTPProbeResult{Success: false, Error: lastErr}
}

// TestCatchAll probes a domain with an address unlikely to exist. A
// positive RCPT TO implies the domain accepts arbitrary recipients.
func (p *Prober) TestCatchAll(ctx context.Context, domain string, mxRecords []types.MX) bool {
	probe := probeAddress(domain)
	result := p.Verify(ctx, probe, mxRecords)
	return result.Success
}

func probeAddress(domain string) string {
	return fmt.Sprintf("probe-%s@%s", randomLocalPart(), domain)
}

func randomLocalPart() string {
	n := 8 + randIntn(3) // 8-10 chars
	b := make([]byte, n)
	for i := range b {
		b[i] = probeLocalCharset[randIntn(len(probeLocalCharset))]
	}
	return string(b)
}

func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// dialOne runs the full dialog against one MX. conclusive is true iff
// the caller should stop trying further MXes (a positive or 5xx RCPT
// TO reply).
func (p *Prober) dialOne(ctx context.Context, mxHost, email string) (result types.SMTPProbeResult, conclusive bool) {
	deadline := time.Now().Add(p.cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	conn, err := p.connect(mxHost, deadline)
	if err != nil {
		return types.SMTPProbeResult{Success: false, Error: err.Error()}, false
	}
	defer conn.close()

	resp, err := p.dialog(conn, mxHost, email, deadline)
	if err != nil {
		return types.SMTPProbeResult{Success: false, Error: err.Error()}, false
	}

	if resp.Positive() {
		return types.SMTPProbeResult{Success: true, Response: &resp}, true
	}
	if resp.Permanent() {
		// 5xx on RCPT TO is authoritative; do not try the next MX.
		return types.SMTPProbeResult{Success: false, Response: &resp}, true
	}
	// 4xx, code 0 (unparseable), or any earlier non-5xx negative: fall
	// through to the next MX.
	return types.SMTPProbeResult{Success: false, Response: &resp, Error: "non-authoritative response"}, false
}

type session struct {
	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
}

func (p *Prober) connect(mxHost string, deadline time.Time) (*session, error) {
	address := net.JoinHostPort(mxHost, p.cfg.Port)
	netConn, err := p.cfg.Dial("tcp", address, time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	return &session{
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
	}, nil
}

func (s *session) close() {
	_ = s.netConn.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = s.writer.WriteString("QUIT\r\n")
	_ = s.writer.Flush()
	_ = s.netConn.Close()
}

func (s *session) command(cmd string) (types.SMTPResponse, error) {
	if _, err := s.writer.WriteString(cmd); err != nil {
		return types.SMTPResponse{}, err
	}
	if err := s.writer.Flush(); err != nil {
		return types.SMTPResponse{}, err
	}
	code, msg, err := readResponse(s.reader)
	if err != nil {
		// A non-parseable reply is treated as transient, not fatal to
		// the dialog attempt.
		return types.SMTPResponse{Code: 0, Message: err.Error()}, nil
	}
	return types.SMTPResponse{Code: code, Message: msg}, nil
}

// dialog runs banner → HELO → optional STARTTLS → MAIL FROM → RCPT TO
// and returns the RCPT TO response.
func (p *Prober) dialog(conn *session, mxHost, email string, deadline time.Time) (types.SMTPResponse, error) {
	banner, err := readResponseFrom(conn)
	if err != nil {
		return types.SMTPResponse{}, fmt.Errorf("read banner: %w", err)
	}
	if !banner.Positive() {
		return types.SMTPResponse{}, fmt.Errorf("banner rejected: %d %s", banner.Code, banner.Message)
	}

	helo, err := conn.command(fmt.Sprintf("HELO %s\r\n", p.cfg.HeloDomain))
	if err != nil {
		return types.SMTPResponse{}, fmt.Errorf("HELO: %w", err)
	}
	if !helo.Positive() {
		return types.SMTPResponse{}, fmt.Errorf("HELO rejected: %d %s", helo.Code, helo.Message)
	}

	activeConn := conn
	starttls, err := activeConn.command("STARTTLS\r\n")
	if err == nil && starttls.Positive() {
		upgraded, upgradeErr := p.upgradeTLS(activeConn, mxHost, deadline)
		if upgradeErr != nil {
			// The session is poisoned: some servers drop state after a
			// failed TLS upgrade even though they acked STARTTLS. Reopen
			// a fresh connection to the same MX rather than continuing
			// in plaintext on this socket.
			p.logger.Debug().Str("mx", mxHost).Err(upgradeErr).Msg("starttls_upgrade_failed")
			activeConn.close()
			fresh, connErr := p.connect(mxHost, deadline)
			if connErr != nil {
				return types.SMTPResponse{}, fmt.Errorf("reconnect after poisoned STARTTLS: %w", connErr)
			}
			activeConn = fresh
			rebanner, err := readResponseFrom(activeConn)
			if err != nil || !rebanner.Positive() {
				return types.SMTPResponse{}, fmt.Errorf("banner on reconnect failed")
			}
			rehelo, err := activeConn.command(fmt.Sprintf("HELO %s\r\n", p.cfg.HeloDomain))
			if err != nil || !rehelo.Positive() {
				return types.SMTPResponse{}, fmt.Errorf("HELO on reconnect rejected")
			}
		} else {
			activeConn = upgraded
			rehelo, err := activeConn.command(fmt.Sprintf("HELO %s\r\n", p.cfg.HeloDomain))
			if err != nil || !rehelo.Positive() {
				return types.SMTPResponse{}, fmt.Errorf("HELO after STARTTLS rejected")
			}
		}
	}

	mailFrom, err := activeConn.command(fmt.Sprintf("MAIL FROM:<%s>\r\n", p.cfg.MailFrom))
	if err != nil {
		return types.SMTPResponse{}, fmt.Errorf("MAIL FROM: %w", err)
	}
	if !mailFrom.Positive() {
		return types.SMTPResponse{}, fmt.Errorf("MAIL FROM rejected: %d %s", mailFrom.Code, mailFrom.Message)
	}

	rcptTo, err := activeConn.command(fmt.Sprintf("RCPT TO:<%s>\r\n", email))
	if err != nil {
		return types.SMTPResponse{}, fmt.Errorf("RCPT TO: %w", err)
	}

	if activeConn != conn {
		// activeConn replaced conn (TLS upgrade, or a reconnect after a
		// poisoned STARTTLS); close it too, the caller's defer only
		// owns the original.
		activeConn.close()
	}

	return rcptTo, nil
}

func readResponseFrom(conn *session) (types.SMTPResponse, error) {
	code, msg, err := readResponse(conn.reader)
	if err != nil {
		return types.SMTPResponse{}, err
	}
	return types.SMTPResponse{Code: code, Message: msg}, nil
}

// upgradeTLS performs the TLS handshake over conn's existing TCP
// socket, returning a new session backed by the TLS conn.
func (p *Prober) upgradeTLS(conn *session, mxHost string, deadline time.Time) (*session, error) {
	tlsConn := tls.Client(conn.netConn, &tls.Config{ServerName: mxHost, MinVersion: tls.VersionTLS12})
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return &session{
		netConn: tlsConn,
		reader:  bufio.NewReader(tlsConn),
		writer:  bufio.NewWriter(tlsConn),
	}, nil
}

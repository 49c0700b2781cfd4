package smtpprobe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/optimode/mailverify/types"
)

// fakeServer simulates an SMTP server on one end of a net.Pipe,
// matching inbound commands by prefix and replying from responses.
func fakeServer(server net.Conn, banner string, responses map[string]string) {
	defer server.Close()
	fmt.Fprintf(server, "%s\r\n", banner)

	buf := make([]byte, 4096)
	for {
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		cmd := string(buf[:n])

		matched := false
		for prefix, resp := range responses {
			if strings.HasPrefix(cmd, prefix) {
				fmt.Fprintf(server, "%s\r\n", resp)
				matched = true
				break
			}
		}
		if !matched && strings.HasPrefix(cmd, "QUIT") {
			fmt.Fprintf(server, "221 Bye\r\n")
			return
		}
	}
}

func newTestProber(dial dialFunc) *Prober {
	return New(Config{
		HeloDomain: "test.example",
		MailFrom:   "probe@test.example",
		Timeout:    5 * time.Second,
		Dial:       dial,
	})
}

func pipeDialFunc(banner string, responses map[string]string) dialFunc {
	return func(_, _ string, _ time.Duration) (net.Conn, error) {
		client, server := net.Pipe()
		go fakeServer(server, banner, responses)
		return client, nil
	}
}

func TestVerify_PositiveRCPT(t *testing.T) {
	p := newTestProber(pipeDialFunc("220 mx.example.com ESMTP", map[string]string{
		"HELO":      "250 OK",
		"STARTTLS":  "502 Not implemented",
		"MAIL FROM": "250 OK",
		"RCPT TO":   "250 OK",
	}))

	result := p.Verify(context.Background(), "user@example.com", []types.MX{{Priority: 10, Exchange: "mx.example.com"}})
	assert.True(t, result.Success)
	assert.NotNil(t, result.Response)
	assert.Equal(t, 250, result.Response.Code)
}

func TestVerify_PermanentRejectionIsAuthoritative(t *testing.T) {
	dialed := 0
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		dialed++
		client, server := net.Pipe()
		go fakeServer(server, "220 mx.example.com", map[string]string{
			"HELO":      "250 OK",
			"STARTTLS":  "502 Not implemented",
			"MAIL FROM": "250 OK",
			"RCPT TO":   "550 User unknown",
		})
		return client, nil
	}
	p := newTestProber(dial)

	result := p.Verify(context.Background(), "ghost@example.com", []types.MX{
		{Priority: 10, Exchange: "mx1.example.com"},
		{Priority: 20, Exchange: "mx2.example.com"},
	})
	assert.False(t, result.Success)
	assert.NotNil(t, result.Response)
	assert.Equal(t, 550, result.Response.Code)
	assert.Equal(t, 1, dialed, "5xx on RCPT TO must not fall through to the next MX")
}

func TestVerify_TransientFallsThroughToNextMX(t *testing.T) {
	attempt := 0
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		attempt++
		client, server := net.Pipe()
		if attempt == 1 {
			go fakeServer(server, "220 mx1.example.com", map[string]string{
				"HELO":      "250 OK",
				"STARTTLS":  "502 Not implemented",
				"MAIL FROM": "250 OK",
				"RCPT TO":   "450 Try again",
			})
		} else {
			go fakeServer(server, "220 mx2.example.com", map[string]string{
				"HELO":      "250 OK",
				"STARTTLS":  "502 Not implemented",
				"MAIL FROM": "250 OK",
				"RCPT TO":   "250 OK",
			})
		}
		return client, nil
	}
	p := newTestProber(dial)

	result := p.Verify(context.Background(), "user@example.com", []types.MX{
		{Priority: 10, Exchange: "mx1.example.com"},
		{Priority: 20, Exchange: "mx2.example.com"},
	})
	assert.True(t, result.Success)
	assert.Equal(t, 2, attempt)
}

func TestVerify_ConnectFailureFallsThrough(t *testing.T) {
	attempt := 0
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		attempt++
		if attempt == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		client, server := net.Pipe()
		go fakeServer(server, "220 mx2.example.com", map[string]string{
			"HELO":      "250 OK",
			"STARTTLS":  "502 Not implemented",
			"MAIL FROM": "250 OK",
			"RCPT TO":   "250 OK",
		})
		return client, nil
	}
	p := newTestProber(dial)

	result := p.Verify(context.Background(), "user@example.com", []types.MX{
		{Priority: 10, Exchange: "mx1.example.com"},
		{Priority: 20, Exchange: "mx2.example.com"},
	})
	assert.True(t, result.Success)
}

func TestVerify_AllMXExhausted(t *testing.T) {
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	p := newTestProber(dial)

	result := p.Verify(context.Background(), "user@example.com", []types.MX{
		{Priority: 10, Exchange: "mx1.example.com"},
	})
	assert.False(t, result.Success)
	assert.Nil(t, result.Response)
	assert.NotEmpty(t, result.Error)
}

func TestVerify_NoMXRecords(t *testing.T) {
	p := newTestProber(func(_, _ string, _ time.Duration) (net.Conn, error) {
		t.Fatal("should not dial with no MX records")
		return nil, nil
	})
	result := p.Verify(context.Background(), "user@example.com", nil)
	assert.False(t, result.Success)
}

func TestTestCatchAll_PositiveMeansCatchAll(t *testing.T) {
	p := newTestProber(pipeDialFunc("220 mx.example.com", map[string]string{
		"HELO":      "250 OK",
		"STARTTLS":  "502 Not implemented",
		"MAIL FROM": "250 OK",
		"RCPT TO":   "250 OK",
	}))
	isCatchAll := p.TestCatchAll(context.Background(), "catchall.example", []types.MX{{Priority: 10, Exchange: "mx.example.com"}})
	assert.True(t, isCatchAll)
}

func TestTestCatchAll_RejectionMeansNotCatchAll(t *testing.T) {
	p := newTestProber(pipeDialFunc("220 mx.example.com", map[string]string{
		"HELO":      "250 OK",
		"STARTTLS":  "502 Not implemented",
		"MAIL FROM": "250 OK",
		"RCPT TO":   "550 No such user",
	}))
	isCatchAll := p.TestCatchAll(context.Background(), "normal.example", []types.MX{{Priority: 10, Exchange: "mx.example.com"}})
	assert.False(t, isCatchAll)
}

func TestProbeAddress_HasPrefixAndDomain(t *testing.T) {
	addr := probeAddress("example.com")
	assert.True(t, strings.HasPrefix(addr, "probe-"))
	assert.True(t, strings.HasSuffix(addr, "@example.com"))
	local := strings.TrimSuffix(strings.TrimPrefix(addr, "probe-"), "@example.com")
	assert.GreaterOrEqual(t, len(local), 8)
	assert.LessOrEqual(t, len(local), 10)
}

// TestVerify_PoisonedSTARTTLSReopensConnection exercises the design
// note in spec.md §9: a server that acks STARTTLS but then fails the
// TLS handshake must not have its session reused in plaintext — the
// Prober has to reopen a fresh connection to the same MX.
func TestVerify_PoisonedSTARTTLSReopensConnection(t *testing.T) {
	dialed := 0
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		dialed++
		client, server := net.Pipe()
		if dialed == 1 {
			go func() {
				defer server.Close()
				fmt.Fprintf(server, "220 mx.example.com\r\n")
				buf := make([]byte, 4096)
				for {
					n, err := server.Read(buf)
					if err != nil {
						return
					}
					cmd := string(buf[:n])
					switch {
					case strings.HasPrefix(cmd, "HELO"):
						fmt.Fprintf(server, "250 OK\r\n")
					case strings.HasPrefix(cmd, "STARTTLS"):
						fmt.Fprintf(server, "220 Go ahead\r\n")
						// Acks STARTTLS, then drops the connection
						// instead of performing a TLS handshake.
						return
					}
				}
			}()
		} else {
			go fakeServer(server, "220 mx.example.com", map[string]string{
				"HELO":      "250 OK",
				"MAIL FROM": "250 OK",
				"RCPT TO":   "250 OK",
			})
		}
		return client, nil
	}
	p := newTestProber(dial)

	result := p.Verify(context.Background(), "user@example.com", []types.MX{{Priority: 10, Exchange: "mx.example.com"}})
	assert.True(t, result.Success)
	assert.Equal(t, 2, dialed, "a poisoned STARTTLS session must reconnect rather than continue in plaintext")
}

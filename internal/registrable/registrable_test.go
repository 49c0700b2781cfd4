package registrable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		want    string
		wantSub string
		wantOK  bool
	}{
		{"bare registrable", "example.com", "example.com", "", true},
		{"with subdomain", "mail.example.com", "example.com", "mail", true},
		{"multi-label suffix", "mail.example.co.uk", "example.co.uk", "mail", true},
		{"deep subdomain", "a.b.example.com", "example.com", "a.b", true},
		{"unknown tld", "server.invalidtld", "", "", false},
		{"empty", "", "", "", false},
		{"bracketed ipv4", "[127.0.0.1]", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, sub, ok := Split(tt.host)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, reg)
				assert.Equal(t, tt.wantSub, sub)
			}
		})
	}
}

func TestRegistrable_FallsBackToHostOnFailure(t *testing.T) {
	assert.Equal(t, "[127.0.0.1]", Registrable("[127.0.0.1]"))
	assert.Equal(t, "example.com", Registrable("mail.example.com"))
}

func TestOnPublicSuffixList(t *testing.T) {
	assert.True(t, OnPublicSuffixList("example.com"))
	assert.False(t, OnPublicSuffixList("server.invalidtld"))
}

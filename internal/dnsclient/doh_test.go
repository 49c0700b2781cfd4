package dnsclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeDoer serves canned JSON bodies keyed by the "type" query param.
type fakeDoer struct {
	byType map[string]string // type -> JSON body
	calls  []string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	qType := req.URL.Query().Get("type")
	f.calls = append(f.calls, qType)
	body, ok := f.byType[qType]
	if !ok {
		body = `{"Status":0}`
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func TestLookup_MXSortedByPriority(t *testing.T) {
	doer := &fakeDoer{byType: map[string]string{
		"MX": `{"Status":0,"Answer":[
			{"name":"example.com","type":15,"TTL":300,"data":"20 backup.example.com."},
			{"name":"example.com","type":15,"TTL":300,"data":"10 primary.example.com."}
		]}`,
		"A": `{"Status":0,"Answer":[{"name":"example.com","type":1,"TTL":300,"data":"1.2.3.4"}]}`,
	}}
	r := New(WithHTTPClient(doer))
	result := r.Lookup(context.Background(), "example.com")

	assert.True(t, result.HasMX)
	assert.True(t, result.HasA)
	if assert.Len(t, result.Records, 2) {
		assert.Equal(t, "primary.example.com", result.Records[0].Exchange)
		assert.Equal(t, uint16(10), result.Records[0].Priority)
		assert.Equal(t, "backup.example.com", result.Records[1].Exchange)
	}
}

func TestLookup_FallsBackToAAAAWhenAEmpty(t *testing.T) {
	doer := &fakeDoer{byType: map[string]string{
		"MX":   `{"Status":0}`,
		"A":    `{"Status":0}`,
		"AAAA": `{"Status":0,"Answer":[{"name":"example.com","type":28,"TTL":300,"data":"::1"}]}`,
	}}
	r := New(WithHTTPClient(doer))
	result := r.Lookup(context.Background(), "example.com")

	assert.False(t, result.HasMX)
	assert.True(t, result.HasA)
	assert.Contains(t, doer.calls, "AAAA")
}

func TestLookup_NoMailPathOnEmptyAnswers(t *testing.T) {
	doer := &fakeDoer{byType: map[string]string{}}
	r := New(WithHTTPClient(doer))
	result := r.Lookup(context.Background(), "nomail.example")

	assert.False(t, result.HasMX)
	assert.False(t, result.HasA)
	assert.Empty(t, result.Records)
}

type erroringDoer struct{}

func (erroringDoer) Do(req *http.Request) (*http.Response, error) {
	return nil, assert.AnError
}

func TestLookup_ErrorReturnsZeroResult(t *testing.T) {
	r := New(WithHTTPClient(erroringDoer{}))
	result := r.Lookup(context.Background(), "example.com")

	assert.False(t, result.HasMX)
	assert.False(t, result.HasA)
	assert.Nil(t, result.Records)
}

func TestParseMXData(t *testing.T) {
	prio, exchange, ok := parseMXData("10 mail.example.com.")
	assert.True(t, ok)
	assert.Equal(t, uint16(10), prio)
	assert.Equal(t, "mail.example.com", exchange)

	_, _, ok = parseMXData("garbage")
	assert.False(t, ok)
}

package telemetry

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testBase = "https://example.test/api/v3"

// MockRoundTripper is a mock implementation of http.RoundTripper.
type MockRoundTripper struct {
	Handler func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     header,
	}
}

func tokenBody(token string) string {
	return `{"token_type":"Bearer","access_token":"` + token + `","expires_in":3600,"ext_expires_in":3600}`
}

// fakeUpstream routes token requests and data requests and counts both.
type fakeUpstream struct {
	tokenCalls atomic.Int32
	dataCalls  atomic.Int32
	data       func(req *http.Request) (*http.Response, error)
}

func (f *fakeUpstream) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/oauth2/token") {
		n := f.tokenCalls.Add(1)
		return jsonResponse(http.StatusOK, tokenBody("token-"+string(rune('0'+n)))), nil
	}
	f.dataCalls.Add(1)
	return f.data(req)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestClient(t *testing.T, rt http.RoundTripper, opts ...TokenManagerOption) (*Client, *TokenManager) {
	t.Helper()
	tokens := NewTokenManager(rt, time.Second, nil, opts...)
	require.NoError(t, tokens.SetCredentials(Credentials{
		ClientID:     "client",
		ClientSecret: "secret",
		Organization: testBase,
	}))
	return NewClient(rt, tokens, WithTimeout(time.Second)), tokens
}

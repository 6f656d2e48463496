package imds

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type reply struct {
	status int
	body   string
	err    error
}

// fakeTransport answers requests from a script keyed by "METHOD url" and
// records every request it sees.
type fakeTransport struct {
	mu       sync.Mutex
	replies  map[string][]reply
	requests []*http.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: map[string][]reply{}}
}

func (f *fakeTransport) on(method, url string, replies ...reply) *fakeTransport {
	f.replies[method+" "+url] = append(f.replies[method+" "+url], replies...)
	return f
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	key := req.Method + " " + req.URL.String()
	queue := f.replies[key]
	if len(queue) == 0 {
		return nil, errors.New("connection refused: " + key)
	}

	r := queue[0]
	if len(queue) > 1 {
		f.replies[key] = queue[1:]
	}
	if r.err != nil {
		return nil, r.err
	}

	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Method+" "+r.URL.String())
	}
	return out
}

func (f *fakeTransport) count(method, url string) int {
	n := 0
	for _, c := range f.calls() {
		if c == method+" "+url {
			n++
		}
	}
	return n
}

func newTestClient(transport *fakeTransport, tokenDisabled bool) *Client {
	return NewClient(Config{
		HTTPClient:         &http.Client{Transport: transport},
		TokenFetchDisabled: tokenDisabled,
		Timeout:            time.Second,
		RetryCount:         2,
		RetryBackoff:       time.Millisecond,
		RequestsPerSecond:  1000,
	})
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })
	return &buf
}

// ============================================================================
// URL classification
// ============================================================================

func TestIsInstanceMetadataURL(t *testing.T) {
	assert.True(t, IsInstanceMetadataURL(TokenURL))
	assert.True(t, IsInstanceMetadataURL(IdentityDocumentURL))
	assert.True(t, IsInstanceMetadataURL(IAMURL))
	assert.True(t, IsInstanceMetadataURL(IAMURL+"my-role"))
	assert.False(t, IsInstanceMetadataURL(ECSTaskMetadataAPI))
	assert.False(t, IsInstanceMetadataURL(ECSTaskMetadataAPI+"/v2/credentials/abc"))
	assert.False(t, IsInstanceMetadataURL("http://169.254.169.2540/latest"))
}

// ============================================================================
// Request
// ============================================================================

func TestRequest_FetchesTokenBeforeMetadataGet(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodPut, TokenURL, reply{status: 200, body: "ABCDEFG="}).
		on(http.MethodGet, IdentityDocumentURL, reply{status: 200, body: "{}"})
	client := newTestClient(transport, false)

	resp := client.Request(context.Background(), IdentityDocumentURL, nil)
	require.NotNil(t, resp)

	assert.Equal(t, []string{"PUT " + TokenURL, "GET " + IdentityDocumentURL}, transport.calls())
	assert.Equal(t, "21600", transport.requests[0].Header.Get(tokenTTLHeader))
	assert.Equal(t, "ABCDEFG=", transport.requests[1].Header.Get(tokenHeader))
}

func TestRequest_NoTokenWhenDisabled(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, IdentityDocumentURL, reply{status: 200, body: "{}"})
	client := newTestClient(transport, true)

	require.NotNil(t, client.Request(context.Background(), IdentityDocumentURL, nil))

	assert.Zero(t, transport.count(http.MethodPut, TokenURL))
	assert.Equal(t, 1, transport.count(http.MethodGet, IdentityDocumentURL))
}

func TestRequest_NoTokenForContainerEndpoint(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, ECSTaskMetadataAPI, reply{status: 200, body: "{}"})
	client := newTestClient(transport, false)

	require.NotNil(t, client.Request(context.Background(), ECSTaskMetadataAPI, nil))

	assert.Zero(t, transport.count(http.MethodPut, TokenURL))
	assert.Empty(t, transport.requests[0].Header.Get(tokenHeader))
}

func TestRequest_TokenIsCached(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodPut, TokenURL, reply{status: 200, body: "tok"}).
		on(http.MethodGet, IdentityDocumentURL, reply{status: 200, body: "{}"})
	client := newTestClient(transport, false)

	for i := 0; i < 3; i++ {
		require.NotNil(t, client.Request(context.Background(), IdentityDocumentURL, nil))
	}

	assert.Equal(t, 1, transport.count(http.MethodPut, TokenURL))
	assert.Equal(t, 3, transport.count(http.MethodGet, IdentityDocumentURL))
}

func TestRequest_TokenRefreshedAfterExpiry(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodPut, TokenURL, reply{status: 200, body: "first"}, reply{status: 200, body: "second"}).
		on(http.MethodGet, IdentityDocumentURL, reply{status: 200, body: "{}"})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := NewClient(Config{
		HTTPClient: &http.Client{Transport: transport},
		TokenTTL:   10 * time.Minute,
		Now:        func() time.Time { return now },
	})

	require.NotNil(t, client.Request(context.Background(), IdentityDocumentURL, nil))
	now = now.Add(time.Hour)
	require.NotNil(t, client.Request(context.Background(), IdentityDocumentURL, nil))

	assert.Equal(t, 2, transport.count(http.MethodPut, TokenURL))
	assert.Equal(t, "second", transport.requests[3].Header.Get(tokenHeader))
}

func TestRequest_TokenFailureFallsBackToNoToken(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodPut, TokenURL, reply{status: 403, body: "disabled"}).
		on(http.MethodGet, IdentityDocumentURL, reply{status: 200, body: "{}"})
	client := newTestClient(transport, false)
	captureLog(t)

	resp := client.Request(context.Background(), IdentityDocumentURL, nil)
	require.NotNil(t, resp)

	get := transport.requests[len(transport.requests)-1]
	assert.Empty(t, get.Header.Get(tokenHeader))
}

func TestRequest_Unauthorized(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, IdentityDocumentURL, reply{status: 401, body: "Unauthorized"})
	client := newTestClient(transport, true)
	buf := captureLog(t)

	resp := client.Request(context.Background(), IdentityDocumentURL, nil)

	assert.Nil(t, resp)
	assert.Zero(t, transport.count(http.MethodPut, TokenURL))
	assert.Equal(t, 1, transport.count(http.MethodGet, IdentityDocumentURL), "401 is not retried")
	assert.Contains(t, buf.String(), "Unauthorized request")
	assert.Contains(t, buf.String(), "ec2 metadata token is disabled")
}

func TestRequest_UnauthorizedDiscardsToken(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodPut, TokenURL, reply{status: 200, body: "stale"}, reply{status: 200, body: "fresh"}).
		on(http.MethodGet, IdentityDocumentURL, reply{status: 401}, reply{status: 200, body: "{}"})
	client := newTestClient(transport, false)
	captureLog(t)

	assert.Nil(t, client.Request(context.Background(), IdentityDocumentURL, nil))
	require.NotNil(t, client.Request(context.Background(), IdentityDocumentURL, nil))

	assert.Equal(t, 2, transport.count(http.MethodPut, TokenURL))
}

func TestRequest_RetriesTransientFailures(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, ECSTaskMetadataAPI+"/creds",
			reply{err: errors.New("timeout")},
			reply{status: 503},
			reply{status: 200, body: "ok"})
	client := newTestClient(transport, false)

	resp := client.Request(context.Background(), ECSTaskMetadataAPI+"/creds", nil)
	require.NotNil(t, resp)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 3, transport.count(http.MethodGet, ECSTaskMetadataAPI+"/creds"))
}

func TestRequest_GivesUpAfterRetryBudget(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, ECSTaskMetadataAPI+"/creds", reply{err: errors.New("refused")})
	client := newTestClient(transport, false)
	captureLog(t)

	assert.Nil(t, client.Request(context.Background(), ECSTaskMetadataAPI+"/creds", nil))
	assert.Equal(t, 3, transport.count(http.MethodGet, ECSTaskMetadataAPI+"/creds"))
}

func TestRequest_CancelledContext(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, true)
	captureLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, client.Request(ctx, IdentityDocumentURL, nil))
}

func TestRequest_PassesExtraHeaders(t *testing.T) {
	transport := newFakeTransport().
		on(http.MethodGet, ECSTaskMetadataAPI, reply{status: 200})
	client := newTestClient(transport, false)

	header := http.Header{}
	header.Set("X-Test", "1")
	require.NotNil(t, client.Request(context.Background(), ECSTaskMetadataAPI, header))

	assert.Equal(t, "1", transport.requests[0].Header.Get("X-Test"))
}

func TestConfigFrom(t *testing.T) {
	cfg, err := config.FromSections(map[string]map[string]any{
		config.SectionMount: {
			config.ItemDisableFetchEC2MetadataToken: "true",
			"metadata_retry_count":                  4,
		},
	})
	require.NoError(t, err)

	c := ConfigFrom(cfg)
	assert.True(t, c.TokenFetchDisabled)
	assert.Equal(t, 4, c.RetryCount)
	assert.Equal(t, time.Second, c.Timeout)
}

// Package imds talks to the local instance metadata service and to the
// container credentials endpoint.
//
// The client owns the session token lifecycle: it fetches a token before
// querying the instance metadata service (unless token fetching is disabled
// in configuration), caches it until shortly before expiry and discards it
// when the service rejects it. Every failure mode degrades to "metadata
// unavailable" (a nil response) so callers can move on to the next source.
package imds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/internal/ratelimiter"
	"github.com/marmos91/efsmount/pkg/config"
)

// Well-known endpoints.
const (
	instanceMetadataHost = "http://169.254.169.254"

	TokenURL            = instanceMetadataHost + "/latest/api/token"
	IdentityDocumentURL = instanceMetadataHost + "/latest/dynamic/instance-identity/document/"
	IAMURL              = instanceMetadataHost + "/latest/meta-data/iam/security-credentials/"

	// ECSTaskMetadataAPI serves task role credentials; it does not use tokens.
	ECSTaskMetadataAPI = "http://169.254.170.2"
)

const (
	tokenHeader    = "X-aws-ec2-metadata-token"
	tokenTTLHeader = "X-aws-ec2-metadata-token-ttl-seconds"

	// tokens are refreshed this long before they expire
	tokenExpiryMargin = time.Minute

	maxResponseBytes = 1 << 20
)

// ErrUnavailable is returned by the typed helpers when the endpoint could
// not be reached or refused the request.
var ErrUnavailable = errors.New("instance metadata unavailable")

// IsInstanceMetadataURL reports whether url belongs to the instance
// metadata service (token, identity document and IAM endpoints). The
// container credentials endpoint is not an instance metadata URL.
func IsInstanceMetadataURL(url string) bool {
	return strings.HasPrefix(url, instanceMetadataHost+"/")
}

// Response is a successful metadata response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Config configures a Client.
type Config struct {
	// HTTPClient performs the requests (default: a client without timeout;
	// each attempt is bounded by Timeout)
	HTTPClient *http.Client

	// TokenFetchDisabled skips token negotiation (IMDSv1 only)
	TokenFetchDisabled bool

	// Timeout bounds a single attempt (default: 1s)
	Timeout time.Duration

	// RetryCount is the number of retries after the first attempt (default: 0)
	RetryCount int

	// RetryBackoff is the delay before the first retry; it doubles on
	// every further retry (default: 200ms)
	RetryBackoff time.Duration

	// TokenTTL is the token lifetime requested from the service (default: 6h)
	TokenTTL time.Duration

	// RequestsPerSecond rate-limits outbound requests (default: 10)
	RequestsPerSecond uint

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 6 * time.Hour
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ConfigFrom derives a client Config from the shared configuration.
func ConfigFrom(cfg *config.Config) Config {
	mount := cfg.Settings.Mount
	return Config{
		TokenFetchDisabled: cfg.FetchEC2MetadataTokenDisabled(),
		Timeout:            mount.MetadataTimeout,
		RetryCount:         mount.MetadataRetryCount,
		RetryBackoff:       mount.MetadataRetryBackoff,
		TokenTTL:           mount.MetadataTokenTTL,
		RequestsPerSecond:  mount.MetadataRequestsPerSecond,
	}
}

// token is a cached session token.
type token struct {
	value     string
	expiresAt time.Time
}

// Client is a metadata service client.
//
// Thread Safety: Safe for concurrent use. The token cache is guarded by a
// mutex; concurrent callers may race to fetch a token, the last one wins.
type Client struct {
	config  Config
	limiter *ratelimiter.Limiter

	mu    sync.Mutex
	token *token
}

// NewClient creates a metadata client.
func NewClient(config Config) *Client {
	config.applyDefaults()

	return &Client{
		config:  config,
		limiter: ratelimiter.New(config.RequestsPerSecond),
	}
}

// Request performs a GET against a metadata endpoint.
//
// For instance metadata URLs, a session token is obtained first (from the
// cache or the token endpoint) unless token fetching is disabled, and sent
// along. A 401 is logged as a warning and yields nil, as does any other
// failure once retries are spent: nil means "metadata unavailable, carry
// on without it", never a fatal condition.
//
// Parameters:
//   - ctx: Bounds the whole request including retries and backoff waits
//   - url: Endpoint URL
//   - header: Extra request headers (may be nil)
//
// Returns the response, or nil when metadata is unavailable.
func (c *Client) Request(ctx context.Context, url string, header http.Header) *Response {
	reqHeader := header.Clone()
	if reqHeader == nil {
		reqHeader = http.Header{}
	}

	tokenSent := false
	if IsInstanceMetadataURL(url) && !c.config.TokenFetchDisabled {
		if value, ok := c.sessionToken(ctx); ok {
			reqHeader.Set(tokenHeader, value)
			tokenSent = true
		}
	}

	resp, err := c.do(ctx, http.MethodGet, url, reqHeader)
	if err != nil {
		logger.Warn("Failed to reach metadata url %s: %v", url, err)
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.invalidateToken()
		logger.Warn("Unauthorized request to instance metadata url %s, ec2 metadata token is disabled or has expired "+
			"(token sent: %v). Set %s = false in the [%s] section of the config file to use session tokens.",
			url, tokenSent, config.ItemDisableFetchEC2MetadataToken, config.SectionMount)
		return nil
	case resp.StatusCode == http.StatusForbidden:
		c.invalidateToken()
		logger.Warn("Forbidden request to metadata url %s", url)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		logger.Debug("Metadata url %s not found", url)
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		logger.Warn("Unexpected status %d from metadata url %s", resp.StatusCode, url)
		return nil
	}

	return resp
}

// sessionToken returns a valid token, fetching a new one when the cache is
// empty or about to expire. ok is false when no token could be obtained;
// the caller then proceeds without one.
func (c *Client) sessionToken(ctx context.Context) (string, bool) {
	now := c.config.Now()

	c.mu.Lock()
	cached := c.token
	c.mu.Unlock()

	if cached != nil && now.Before(cached.expiresAt) {
		return cached.value, true
	}

	value, err := c.fetchToken(ctx)
	if err != nil {
		logger.Warn("Unable to fetch ec2 metadata token, continuing without it: %v", err)
		return "", false
	}

	ttl := c.config.TokenTTL
	if ttl > 2*tokenExpiryMargin {
		ttl -= tokenExpiryMargin
	}

	c.mu.Lock()
	c.token = &token{value: value, expiresAt: now.Add(ttl)}
	c.mu.Unlock()

	return value, true
}

// fetchToken requests a new session token from the token endpoint.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	header := http.Header{}
	header.Set(tokenTTLHeader, strconv.Itoa(int(c.config.TokenTTL/time.Second)))

	resp, err := c.do(ctx, http.MethodPut, TokenURL, header)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	value := strings.TrimSpace(string(resp.Body))
	if value == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return value, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// do performs one logical request with bounded retries.
//
// Transport errors and 5xx responses are retried with doubling backoff;
// any other response is returned as is.
func (c *Client) do(ctx context.Context, method, url string, header http.Header) (*Response, error) {
	backoff := c.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			logger.Debug("Retrying %s %s (attempt %d/%d) in %s",
				method, url, attempt, c.config.RetryCount, backoff)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.attempt(ctx, method, url, header)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%s %s failed after %d attempts: %w",
		method, url, c.config.RetryCount+1, lastErr)
}

// attempt performs a single HTTP exchange bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, method, url string, header http.Header) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Header = header.Clone()

	httpResp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

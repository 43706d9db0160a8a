package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mgazza/dorm-energy-sync/internal/metrics"
)

const (
	// RefreshMargin is how close to expiry a cached token may get before it
	// is replaced.
	RefreshMargin = 60 * time.Second

	tokenPath      = "/oauth2/token"
	maxTokenBody   = 1 << 20
	hostedSuffix   = ".app.willowinc.com"
	hostedBasePath = "/api/v3"
)

var (
	// ErrNoCredentials is returned by EnsureValidToken before SetCredentials.
	ErrNoCredentials = errors.New("telemetry: credentials not configured")

	organizationPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// Credentials identify this client to the telemetry service.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Organization string
}

// Validate fails if any field is empty or the organization cannot be turned
// into a base URL.
func (c Credentials) Validate() error {
	switch {
	case strings.TrimSpace(c.ClientID) == "":
		return errors.New("telemetry: client id is required")
	case strings.TrimSpace(c.ClientSecret) == "":
		return errors.New("telemetry: client secret is required")
	case strings.TrimSpace(c.Organization) == "":
		return errors.New("telemetry: organization is required")
	}
	_, err := ResolveBaseURL(c.Organization)
	return err
}

// ResolveBaseURL turns an organization name, hosted domain or full URL into
// the API base URL.
func ResolveBaseURL(organization string) (string, error) {
	org := strings.TrimSpace(organization)
	if strings.Contains(org, "://") {
		u, err := url.Parse(org)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("telemetry: invalid base url %q", organization)
		}
		if strings.HasSuffix(u.Hostname(), hostedSuffix) && !strings.HasSuffix(strings.TrimRight(u.Path, "/"), hostedBasePath) {
			u.Path = strings.TrimRight(u.Path, "/") + hostedBasePath
		}
		return strings.TrimRight(u.String(), "/"), nil
	}
	if strings.Contains(org, hostedSuffix) {
		base := "https://" + strings.TrimRight(org, "/")
		if !strings.HasSuffix(base, hostedBasePath) {
			base += hostedBasePath
		}
		return base, nil
	}
	if !organizationPattern.MatchString(org) {
		return "", fmt.Errorf("telemetry: invalid organization %q", organization)
	}
	return "https://" + org + hostedSuffix + hostedBasePath, nil
}

// AccessToken is a bearer token handed out by the token endpoint.
type AccessToken struct {
	Value    string
	Type     string
	IssuedAt time.Time
	Lifetime time.Duration
}

// ExpiresAt is the absolute expiry instant.
func (t AccessToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.Lifetime)
}

func (t AccessToken) usableAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt().Add(-RefreshMargin))
}

// TokenManager owns the client credentials and the cached access token.
// Reads of a valid token are lock free; refreshes are collapsed so that
// concurrent callers share one request.
type TokenManager struct {
	http    *resty.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	creds      Credentials
	baseURL    string
	generation uint64

	token atomic.Pointer[AccessToken]
	group singleflight.Group
}

// TokenManagerOption customises a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) { m.now = now }
}

// WithTokenMetrics records token requests.
func WithTokenMetrics(mt *metrics.Metrics) TokenManagerOption {
	return func(m *TokenManager) { m.metrics = mt }
}

// NewTokenManager builds a manager that talks to the token endpoint through
// rt. A nil rt uses http.DefaultTransport.
func NewTokenManager(rt http.RoundTripper, timeout time.Duration, logger *zap.Logger, opts ...TokenManagerOption) *TokenManager {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTransport(rt).
		SetTimeout(timeout).
		SetResponseBodyLimit(maxTokenBody).
		SetHeader("Accept", "application/json")

	m := &TokenManager{
		http: client,
		log:  logger.Named("token"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCredentials replaces the credentials. It performs no I/O. Any cached
// token is dropped and a refresh already in flight will not be stored.
func (m *TokenManager) SetCredentials(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	base, _ := ResolveBaseURL(creds.Organization)

	m.mu.Lock()
	m.creds = creds
	m.baseURL = base
	m.generation++
	m.token.Store(nil)
	m.mu.Unlock()
	return nil
}

// BaseURL is the API base derived from the current credentials.
func (m *TokenManager) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseURL
}

// EnsureValidToken returns the cached token when it is not within
// RefreshMargin of expiry, otherwise it requests a new one.
func (m *TokenManager) EnsureValidToken(ctx context.Context) (AccessToken, error) {
	if tok := m.token.Load(); tok != nil && tok.usableAt(m.now()) {
		return *tok, nil
	}

	m.mu.Lock()
	creds, base, generation := m.creds, m.baseURL, m.generation
	m.mu.Unlock()
	if base == "" {
		return AccessToken{}, ErrNoCredentials
	}

	result := m.group.DoChan(strconv.FormatUint(generation, 10), func() (any, error) {
		if tok := m.token.Load(); tok != nil && tok.usableAt(m.now()) {
			return *tok, nil
		}
		// Other callers may be waiting on this flight; the first caller's
		// cancellation must not fail them.
		fetchCtx := context.WithoutCancel(ctx)
		tok, err := m.requestToken(fetchCtx, creds, base)
		if err != nil {
			m.metrics.TokenRefresh("error")
			return nil, err
		}
		m.metrics.TokenRefresh("ok")

		m.mu.Lock()
		if m.generation == generation {
			m.token.Store(&tok)
		}
		m.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return AccessToken{}, &NetworkError{Op: "token", Err: ctx.Err()}
	case res := <-result:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	}
}

// Invalidate drops tok if it is still the cached token. A token obtained by
// another caller in the meantime is kept.
func (m *TokenManager) Invalidate(tok AccessToken) {
	cur := m.token.Load()
	if cur != nil && cur.Value == tok.Value {
		m.token.CompareAndSwap(cur, nil)
	}
}

func (m *TokenManager) requestToken(ctx context.Context, creds Credentials, base string) (AccessToken, error) {
	start := m.now()
	resp, err := m.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     creds.ClientID,
			"client_secret": creds.ClientSecret,
			"grant_type":    "client_credentials",
		}).
		Post(base + tokenPath)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		m.metrics.ObserveUpstream("token", 0, m.now().Sub(start))
		m.log.Warn("token response too large", zap.Int("limit", maxTokenBody))
		return AccessToken{}, &ParsingError{Err: fmt.Errorf("token response exceeds %d bytes", maxTokenBody)}
	}
	if err != nil {
		m.metrics.ObserveUpstream("token", 0, m.now().Sub(start))
		m.log.Warn("token request failed", zap.Error(err))
		return AccessToken{}, &NetworkError{Op: "token", Err: err}
	}
	m.metrics.ObserveUpstream("token", resp.StatusCode(), m.now().Sub(start))

	body := resp.Body()
	if !resp.IsSuccess() {
		m.log.Warn("token endpoint rejected request", zap.Int("status", resp.StatusCode()))
		return AccessToken{}, &APIError{StatusCode: resp.StatusCode(), Message: errorMessage(body, resp.Status())}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccessToken{}, &ParsingError{Err: fmt.Errorf("decode token response: %w", err)}
	}

	tokenType := stringValue(payload["token_type"])
	if !strings.EqualFold(tokenType, "Bearer") {
		return AccessToken{}, &AuthenticationError{Reason: fmt.Sprintf("unsupported token type %q", tokenType)}
	}
	accessToken := stringValue(payload["access_token"])
	if accessToken == "" {
		return AccessToken{}, &AuthenticationError{Reason: "empty access token"}
	}

	tok := AccessToken{
		Value:    accessToken,
		Type:     "Bearer",
		IssuedAt: m.now(),
		Lifetime: time.Duration(int64Value(payload["expires_in"])) * time.Second,
	}
	m.log.Debug("token acquired", zap.Time("expires_at", tok.ExpiresAt()))
	return tok, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

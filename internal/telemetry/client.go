package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-openapi/runtime"
	httptransport "github.com/go-openapi/runtime/client"
	strfmt "github.com/go-openapi/strfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mgazza/dorm-energy-sync/internal/metrics"
)

const (
	// DefaultTimeout bounds each HTTP call, connect to last byte.
	DefaultTimeout = 30 * time.Second

	maxResponseBody = 4 << 20
	tracerName      = "github.com/mgazza/dorm-energy-sync/internal/telemetry"
)

// Request is a logical call against the telemetry API.
type Request struct {
	// ID names the operation in logs, metrics and spans.
	ID string
	// Method defaults to GET.
	Method string
	// Path is relative to the base URL and may contain {name} placeholders.
	Path       string
	PathParams map[string]string
	Query      url.Values
	// Body is sent as JSON when set.
	Body any
}

type rawResponse struct {
	status  int
	message string
	body    []byte
}

// Client executes authenticated requests against the telemetry service.
type Client struct {
	tokens     *TokenManager
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	mu      sync.Mutex
	base    string
	runtime *httptransport.Runtime
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. A non-positive rps
// disables the limit.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client sending through rt and authenticating with
// tokens. A nil rt uses http.DefaultTransport.
func NewClient(rt http.RoundTripper, tokens *TokenManager, opts ...ClientOption) *Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := &Client{
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Inf, 0),
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{Transport: rt, Timeout: c.timeout}
	c.log = c.log.Named("telemetry")
	return c
}

// Execute sends req and returns the body of a 2xx response. A 401 drops the
// token and the request is retried once with a fresh one; a second 401 is
// returned as an *APIError.
func (c *Client) Execute(ctx context.Context, req Request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "telemetry."+req.ID, trace.WithAttributes(
		attribute.String("telemetry.path", req.Path),
	))
	defer span.End()

	body, err := c.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

func (c *Client) execute(ctx context.Context, req Request) ([]byte, error) {
	tok, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.submit(ctx, req, tok)
	if err != nil {
		return nil, err
	}

	if res.status == http.StatusUnauthorized {
		c.log.Info("token rejected, re-authenticating", zap.String("op", req.ID))
		c.tokens.Invalidate(tok)
		tok, err = c.tokens.EnsureValidToken(ctx)
		if err != nil {
			return nil, err
		}
		res, err = c.submit(ctx, req, tok)
		if err != nil {
			return nil, err
		}
	}

	if res.status < 200 || res.status > 299 {
		return nil, &APIError{StatusCode: res.status, Message: errorMessage(res.body, res.message)}
	}
	return res.body, nil
}

func (c *Client) submit(ctx context.Context, req Request, tok AccessToken) (*rawResponse, error) {
	rt, scheme, err := c.transport()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: req.ID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	start := time.Now()
	result, err := rt.Submit(&runtime.ClientOperation{
		ID:                 req.ID,
		Method:             method,
		PathPattern:        req.Path,
		ProducesMediaTypes: []string{runtime.JSONMime},
		ConsumesMediaTypes: []string{runtime.JSONMime},
		Schemes:            []string{scheme},
		Params: runtime.ClientRequestWriterFunc(func(r runtime.ClientRequest, _ strfmt.Registry) error {
			for name, value := range req.PathParams {
				if err := r.SetPathParam(name, value); err != nil {
					return err
				}
			}
			for name, values := range req.Query {
				if err := r.SetQueryParam(name, values...); err != nil {
					return err
				}
			}
			if req.Body != nil {
				return r.SetBodyParam(req.Body)
			}
			return nil
		}),
		Reader: runtime.ClientResponseReaderFunc(func(resp runtime.ClientResponse, _ runtime.Consumer) (interface{}, error) {
			body, err := io.ReadAll(io.LimitReader(resp.Body(), maxResponseBody))
			if err != nil {
				return nil, err
			}
			return &rawResponse{status: resp.Code(), message: resp.Message(), body: body}, nil
		}),
		AuthInfo: httptransport.BearerToken(tok.Value),
		Context:  ctx,
		Client:   c.httpClient,
	})
	if err != nil {
		c.metrics.ObserveUpstream(req.ID, 0, time.Since(start))
		c.log.Warn("request failed", zap.String("op", req.ID), zap.Error(err))
		return nil, &NetworkError{Op: req.ID, Err: err}
	}

	res := result.(*rawResponse)
	c.metrics.ObserveUpstream(req.ID, res.status, time.Since(start))
	c.log.Debug("request done",
		zap.String("op", req.ID),
		zap.Int("status", res.status),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// transport returns the go-openapi runtime for the current base URL,
// rebuilding it when credentials point somewhere else.
func (c *Client) transport() (*httptransport.Runtime, string, error) {
	base := c.tokens.BaseURL()
	if base == "" {
		return nil, "", ErrNoCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(base)
	if err != nil {
		return nil, "", fmt.Errorf("telemetry: parse base url: %w", err)
	}
	if c.runtime != nil && c.base == base {
		return c.runtime, u.Scheme, nil
	}

	rt := httptransport.New(u.Host, u.Path, []string{u.Scheme})
	rt.Transport = c.httpClient.Transport
	// Error bodies are not always JSON; the reader handles raw bytes.
	rt.Consumers["*/*"] = runtime.ByteStreamConsumer()

	c.runtime = rt
	c.base = base
	return rt, u.Scheme, nil
}

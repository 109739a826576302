package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxBodySize caps a single response body.
const maxBodySize = 8 << 20

// Request describes one read against the robot API.
type Request struct {
	Op    string // metric/log label, e.g. "list_robots"
	Path  string
	Query url.Values
}

// Fetcher performs network I/O for a request and returns the envelope's
// data field. Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPConfig holds the remote API client configuration.
type HTTPConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	Burst     int
}

// HTTPFetcher implements Fetcher over HTTP with a client-side rate limit.
type HTTPFetcher struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	token   string
	logger  *slog.Logger
}

// envelope is the common response wrapper of the robot API.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewHTTPFetcher creates a fetcher for the API rooted at cfg.BaseURL.
func NewHTTPFetcher(cfg HTTPConfig, logger *slog.Logger) (*HTTPFetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPFetcher{
		base:    base,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		token:   cfg.Token,
		logger:  logger.With("component", "fetcher"),
	}, nil
}

// Fetch waits for a rate limiter slot, performs the GET and unwraps the envelope.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: req.Op, Err: err}
	}

	u := f.base.JoinPath(strings.TrimPrefix(req.Path, "/"))
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.Op, err)
	}
	reqID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", reqID)
	if f.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.token)
	}

	start := time.Now()
	data, err := f.do(httpReq, req.Op)
	fetchDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	fetchTotal.WithLabelValues(req.Op, resultLabel(err)).Inc()
	if err != nil {
		f.logger.Debug("fetch failed", "op", req.Op, "request_id", reqID, "err", err)
		return nil, err
	}
	return data, nil
}

func (f *HTTPFetcher) do(httpReq *http.Request, op string) (json.RawMessage, error) {
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Op: op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil {
			apiErr.Code = env.Code
			if env.Message != "" {
				apiErr.Message = env.Message
			}
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("decode envelope: %w", decodeErr)}
	}
	if env.Code != 0 {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return Classify(err)
}

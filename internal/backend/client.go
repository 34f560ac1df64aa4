// Package backend is the client for the election metadata and voter-key
// service. Every call goes through one shared rate limiter and a bounded
// retry loop that retries network errors, 429 and 5xx only.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"github.com/gateway-fm/votebot/internal/ratelimit"
	"github.com/gateway-fm/votebot/internal/retry"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 4 << 20

// ErrNotFound matches a 404 StatusError with errors.Is.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// IsRetryable reports whether the status is worth retrying: 429 and 5xx.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Response is a successful backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is how many tries the request took.
	Attempts int
}

// JSON returns the parsed body.
func (r *Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

// Data returns the payload, unwrapping a {"data": ...} envelope when present.
func (r *Response) Data() gjson.Result {
	root := r.JSON()
	if d := root.Get("data"); d.Exists() && (d.IsObject() || d.IsArray()) {
		return d
	}
	return root
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Limiter spaces requests. Share one instance per process.
	Limiter *ratelimit.Limiter
	Retry   retry.Policy
	// CacheTTL bounds how long election metadata is cached. On-chain ids never expire.
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   retry.Policy
	cache   *gocache.Cache
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(0)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: cfg.Limiter,
		retry:   cfg.Retry,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  cfg.Logger.With(slog.String("component", "backend")),
	}, nil
}

// Request sends one logical request, retrying transient failures within the
// retry policy. body, when non-nil, is sent as JSON.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}

	var out *Response
	attempts, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		resp, err := c.do(ctx, method, path, payload)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("backend request failed, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()))
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("%s %s after %d attempts: %w", method, path, attempts, err)
	}
	out.Attempts = attempts
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Package sentinelhub is a Sentinel Hub API client. It fetches Sentinel-1
// GRD tiles through the Process API and looks up acquisition times through
// the Catalog API.
package sentinelhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

const (
	DefaultBaseURL  = "https://services.sentinel-hub.com"
	DefaultTokenURL = "https://services.sentinel-hub.com/auth/realms/main/protocol/openid-connect/token"

	processPath = "/api/v1/process"
	catalogPath = "/api/v1/catalog/1.0.0/search"

	providerName = "sentinelhub"

	// errorBodyLimit caps how much of a failed response is kept for the error.
	errorBodyLimit = 4 << 10
)

// Config holds the connection settings.
type Config struct {
	ClientID        string
	ClientSecret    string
	BaseURL         string
	TokenURL        string
	RateLimit       float64 // requests per second, 0 disables pacing
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration // first backoff step, doubled per attempt
	CatalogCacheTTL time.Duration
}

// DefaultConfig returns the settings for the public Sentinel Hub deployment.
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		TokenURL:        DefaultTokenURL,
		RateLimit:       5,
		Timeout:         2 * time.Minute,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		CatalogCacheTTL: time.Hour,
	}
}

// Client talks to Sentinel Hub. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	base    *http.Client
	limiter *rate.Limiter
	catalog *cache.Cache
	log     logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient uses an already authenticated client and skips the OAuth2
// client-credentials flow.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseClient sets the transport client underneath OAuth2. Token requests
// and API requests both go through it.
func WithBaseClient(hc *http.Client) Option {
	return func(c *Client) { c.base = hc }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client. Without WithHTTPClient the client ID and secret
// are required and tokens are obtained and refreshed by golang.org/x/oauth2.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = def.TokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module(providerName)
	}

	if c.http == nil {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.Newf("sentinel hub client id and secret are required").
				Component(providerName).
				Category(errors.CategoryConfiguration).
				Context("token_url", cfg.TokenURL).
				Build()
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		ctx := context.Background()
		if c.base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
		}
		c.http = cc.Client(ctx)
	}
	if c.http.Timeout == 0 {
		c.http.Timeout = cfg.Timeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	c.limiter = rate.NewLimiter(limit, 1)

	if cfg.CatalogCacheTTL > 0 {
		// No janitor: expired entries are dropped on read.
		c.catalog = cache.New(cfg.CatalogCacheTTL, 0)
	}
	return c, nil
}

// apiError is a non-2xx response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sentinel hub returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("sentinel hub returned %d: %s", e.StatusCode, e.Message)
}

func (e *apiError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// postJSON sends payload to path, retrying rate-limit, server and transport
// errors with exponential backoff. On success the caller owns the body.
func (c *Client) postJSON(ctx context.Context, path, accept string, payload any, log logger.Logger) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(err).
			Component(providerName).
			Category(errors.CategoryValidation).
			Context("operation", "encode_request").
			Build()
	}
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		attemptLog := log.With(logger.Int("attempt", attempt+1), logger.Int("max_attempts", c.cfg.MaxRetries))

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.networkErr(err, url, "rate_limiter_wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, c.networkErr(err, url, "build_request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)

		resp, err := c.http.Do(req)
		if err == nil && resp.StatusCode/100 == 2 {
			return resp, nil
		}

		retry := true
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.networkErr(err, url, "request")
			}
			lastErr = err
		} else {
			apiErr := readAPIError(resp)
			lastErr = apiErr
			retry = apiErr.retryable()
		}

		attemptLog.Warn("sentinel hub request failed",
			logger.String("url", url),
			logger.Error(lastErr),
			logger.Bool("will_retry", retry && attempt < c.cfg.MaxRetries-1))
		if !retry {
			break
		}
		if attempt < c.cfg.MaxRetries-1 {
			if err := sleepCtx(ctx, c.cfg.RetryDelay<<attempt); err != nil {
				return nil, c.networkErr(err, url, "retry_backoff")
			}
		}
	}

	return nil, errors.New(lastErr).
		Component(providerName).
		Category(errors.CategoryImageProvider).
		Context("provider", providerName).
		Context("url", url).
		Context("max_retries", c.cfg.MaxRetries).
		Context("operation", "post_with_retry").
		Build()
}

func (c *Client) networkErr(err error, url, op string) error {
	return errors.New(err).
		Component(providerName).
		Category(errors.CategoryNetwork).
		NetworkContext(url, c.cfg.Timeout).
		Context("operation", op).
		Build()
}

// readAPIError drains a failed response. Sentinel Hub reports failures as
// {"error": {"status": 400, "reason": "...", "message": "..."}}.
func readAPIError(resp *http.Response) *apiError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	e := &apiError{StatusCode: resp.StatusCode}
	if obj, err := jason.NewObjectFromBytes(raw); err == nil {
		if msg, err := obj.GetString("error", "message"); err == nil {
			e.Message = msg
			return e
		}
		if msg, err := obj.GetString("error_description"); err == nil {
			e.Message = msg
			return e
		}
	}
	e.Message = strings.TrimSpace(string(raw))
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

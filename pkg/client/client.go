// Package client provides the HTTP transport to the dashboard REST backend
// with error classification, conditional revalidation and optional retries.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for backend requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_backend_requests_total",
		Help: "Total backend requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dashboard_backend_request_duration_seconds",
		Help:    "Backend request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_backend_errors_total",
		Help: "Total backend errors by class",
	}, []string{"class"})

	notModifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_backend_304_responses_total",
		Help: "Total number of 304 Not Modified responses",
	})

	requestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_backend_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	requestRetryBackoff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dashboard_backend_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"error_class"})

	requestRetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_backend_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors. Never retried, never replaced by a fallback.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx errors and unusable 2xx bodies.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents connection failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCancelled represents a request aborted by its own context.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Response is a successful backend response.
type Response struct {
	// Body is the JSON document (nil when NotModified)
	Body json.RawMessage

	// ETag is the validator returned by the backend
	ETag string

	StatusCode int

	// NotModified is true for a 304 answer to a conditional request
	NotModified bool
}

// Client performs GET requests against the dashboard backend.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the backend (e.g., "http://localhost:3001")
	BaseURL string

	// User-Agent header sent with every request
	UserAgent string

	// Retry policy for server and network errors
	Retry RetryConfig

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("base url must start with http:// or https:// (got %q)", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := log.With().Str("component", "backend-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "backend-client").Logger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No Timeout: a request lives until its context is cancelled.
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Get fetches the resource identified by key.
// When etag is non-empty the request is conditional (If-None-Match).
func (c *Client) Get(ctx context.Context, key cache.Key, etag string) (*Response, error) {
	endpoint := key.Endpoint

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	target := c.config.BaseURL + endpoint
	if q := key.Query(); q != "" {
		target += "?" + q
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("key", key.String()).
		Bool("conditional", etag != "").
		Msg("Executing backend request")

	var resp *Response
	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() error {
		var reqErr error
		resp, reqErr = c.do(ctx, endpoint, target, etag)
		return reqErr
	})
	if err != nil {
		errorClass := ClassOf(err)
		if errorClass == ErrorClassCancelled {
			c.logger.Debug().Str("endpoint", endpoint).Msg("Backend request cancelled")
		} else {
			errorsTotal.WithLabelValues(string(errorClass)).Inc()
		}
		return nil, err
	}
	return resp, nil
}

// do executes a single attempt.
func (c *Client) do(ctx context.Context, endpoint, target, etag string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &RequestError{
			Endpoint:   endpoint,
			ErrorClass: ErrorClassClient,
			Message:    "create request",
			Err:        err,
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			requestsTotal.WithLabelValues(endpoint, "cancelled").Inc()
			return nil, &RequestError{
				Endpoint:   endpoint,
				ErrorClass: ErrorClassCancelled,
				Message:    "request cancelled",
				Err:        ctx.Err(),
			}
		}
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Backend request failed")
		return nil, &RequestError{
			Endpoint:   endpoint,
			ErrorClass: ErrorClassNetwork,
			Message:    "backend unreachable",
			Err:        err,
		}
	}
	defer httpResp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(httpResp.StatusCode)).Inc()

	if httpResp.StatusCode == http.StatusNotModified {
		notModifiedTotal.Inc()
		_, _ = io.Copy(io.Discard, httpResp.Body)
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - reusing cached value")
		return &Response{
			ETag:        firstNonEmpty(httpResp.Header.Get("ETag"), etag),
			StatusCode:  httpResp.StatusCode,
			NotModified: true,
		}, nil
	}

	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil && ctx.Err() != nil {
		return nil, &RequestError{
			Endpoint:   endpoint,
			ErrorClass: ErrorClassCancelled,
			Message:    "request cancelled",
			Err:        ctx.Err(),
		}
	}

	if httpResp.StatusCode >= 400 {
		errorClass := classifyStatus(httpResp.StatusCode)
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(errorClass)).
			Msg("Backend request error")
		return nil, &RequestError{
			Endpoint:   endpoint,
			StatusCode: httpResp.StatusCode,
			ErrorClass: errorClass,
			Message:    errorMessage(httpResp.Status, body),
		}
	}

	if readErr != nil {
		return nil, &RequestError{
			Endpoint:   endpoint,
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        readErr,
		}
	}

	if !json.Valid(body) {
		return nil, &RequestError{
			Endpoint:   endpoint,
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassServer,
			Message:    "unusable response",
			Err:        ErrInvalidBody,
		}
	}

	return &Response{
		Body:       json.RawMessage(body),
		ETag:       httpResp.Header.Get("ETag"),
		StatusCode: httpResp.StatusCode,
	}, nil
}

// classifyStatus categorizes an HTTP error status.
func classifyStatus(status int) ErrorClass {
	if status >= 400 && status < 500 {
		return ErrorClassClient
	}
	return ErrorClassServer
}

// errorMessage prefers the backend's {"error": "..."} or {"message": "..."} text.
func errorMessage(status string, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := firstNonEmpty(payload.Error, payload.Message); msg != "" {
			return msg
		}
	}
	return status
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Ping checks that the backend answers at all (any status counts).
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.BaseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("backend unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

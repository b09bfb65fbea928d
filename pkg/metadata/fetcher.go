// Package metadata contains clients for the instance-local metadata services
// exposed by the supported cloud platforms.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPClientTimeout = 3 * time.Second
	defaultMaxAttempts       = 5
	defaultRetryDelay        = 5 * time.Second
)

var (
	errClientStatus     = errors.New("metadata: client error status")
	errRetryableStatus  = errors.New("metadata: retryable status code")
	errExhaustedRetries = errors.New("metadata: exhausted retry budget")
	errRequestFailed    = errors.New("metadata: request execution failed")
)

// IsClientStatus reports whether err resulted from a 4xx metadata response.
// Client errors are surfaced on the first attempt and never retried.
func IsClientStatus(err error) bool {
	return errors.Is(err, errClientStatus)
}

// Request describes a single metadata retrieval.
type Request struct {
	// Path is resolved relative to the fetcher's base URL.
	Path string
	// Headers are set verbatim on every attempt.
	Headers map[string]string
	// Method defaults to GET when empty.
	Method string
}

type fetcherConfig struct {
	baseURL    string
	maxAttempt int
	retryDelay time.Duration
}

// Option mutates the fetcher configuration during construction.
type Option func(*fetcherConfig)

// WithBaseURL overrides the metadata service base URL used for requests.
func WithBaseURL(baseURL string) Option {
	return func(cfg *fetcherConfig) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed == "" {
			return
		}

		cfg.baseURL = trimmed
	}
}

// WithMaxAttempts overrides the retry budget for metadata requests.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *fetcherConfig) {
		if attempts > 0 {
			cfg.maxAttempt = attempts
		}
	}
}

// WithRetryDelay overrides the fixed delay between retry attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if delay > 0 {
			cfg.retryDelay = delay
		}
	}
}

// NewFetcher constructs a metadata fetcher rooted at the provider's base URL.
// A nil httpClient uses a private instance with a conservative timeout
// suitable for link-local access.
func NewFetcher(httpClient *http.Client, opts ...Option) *Fetcher {
	cfg := fetcherConfig{
		maxAttempt: defaultMaxAttempts,
		retryDelay: defaultRetryDelay,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}

		opt(&cfg)
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultHTTPClientTimeout,
			Transport: http.DefaultTransport,
		}
	}

	return &Fetcher{
		http:       httpClient,
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		maxAttempt: cfg.maxAttempt,
		retryDelay: cfg.retryDelay,
	}
}

// Fetcher issues requests against an instance metadata service with a bounded
// fixed-delay retry loop. Transport failures and retryable status codes are
// retried; 4xx responses fail on the first attempt.
type Fetcher struct {
	http       *http.Client
	baseURL    string
	maxAttempt int
	retryDelay time.Duration
}

// Text fetches a resource and returns its body with surrounding whitespace
// trimmed.
func (f *Fetcher) Text(ctx context.Context, req Request) (string, error) {
	payload, err := f.Fetch(ctx, req)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(payload)), nil
}

// Fetch retrieves a metadata resource and returns its raw body.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.maxAttempt; attempt++ {
		payload, retry, err := f.tryFetch(ctx, req)
		if err == nil {
			return payload, nil
		}

		if !retry {
			return nil, err
		}

		lastErr = err

		if attempt == f.maxAttempt {
			break
		}

		waitErr := f.wait(ctx)
		if waitErr != nil {
			return nil, fmt.Errorf("retry wait for %s: %w", req.Path, waitErr)
		}
	}

	return nil, fmt.Errorf("%w: %w", errExhaustedRetries, lastErr)
}

func (f *Fetcher) wait(ctx context.Context) error {
	timer := time.NewTimer(f.retryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context done while waiting to retry: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (f *Fetcher) tryFetch(ctx context.Context, req Request) ([]byte, bool, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, f.resourceURL(req.Path), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request for %s: %w", req.Path, err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := f.http.Do(httpReq)
	if err != nil {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, false, fmt.Errorf("%w: %s: %w", errRequestFailed, req.Path, ctxErr)
		}

		return nil, true, fmt.Errorf("%w: %s: %w", errRequestFailed, req.Path, err)
	}

	body, readErr := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()

	if readErr != nil {
		if closeErr != nil {
			wrap := fmt.Errorf("close response body: %w", closeErr)
			readErr = errors.Join(readErr, wrap)
		}

		return nil, false, fmt.Errorf("read %s response: %w", req.Path, readErr)
	}

	if closeErr != nil {
		return nil, false, fmt.Errorf("close %s response body: %w", req.Path, closeErr)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return body, false, nil
	}

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		trimmed := strings.TrimSpace(string(body))

		return nil, false, fmt.Errorf(
			"%w: %s (status %d, body %s)",
			errClientStatus,
			req.Path,
			resp.StatusCode,
			trimmed,
		)
	}

	return nil, true, fmt.Errorf(
		"%w: %s (status %d)",
		errRetryableStatus,
		req.Path,
		resp.StatusCode,
	)
}

func (f *Fetcher) resourceURL(resource string) string {
	trimmed := strings.TrimPrefix(resource, "/")

	return fmt.Sprintf("%s/%s", f.baseURL, trimmed)
}

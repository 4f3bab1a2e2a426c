// Package api talks to the helpdesk HTTP API: the login and profile calls
// used by the session manager and the notification pull requests used by
// the synchronizer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/nhle/helpdesk/internal/model"
)

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// Client is a thin HTTP client for the helpdesk API. It handles Bearer
// authentication, JSON (de)serialization, retry with exponential backoff
// on HTTP 429 and a circuit breaker that opens after repeated 5xx or
// network failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*response]
	maxRetries int
	log        zerolog.Logger

	// initialInterval and maxInterval shape the 429 backoff.
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryIntervals sets the initial and maximum delay between retries
// of rate-limited requests.
func WithRetryIntervals(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.initialInterval = initial
		c.maxInterval = maxDelay
	}
}

// WithBreakerSettings replaces the circuit breaker configuration.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker[*response](st)
	}
}

// defaultBreakerSettings opens the breaker after five consecutive
// failures and probes again after thirty seconds.
func defaultBreakerSettings(log zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "helpdesk-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
}

// NewClient creates a new API client from cfg.
func NewClient(cfg model.APIConfig, logger zerolog.Logger, opts ...Option) *Client {
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	log := logger.With().Str("component", "api").Logger()
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker:         gobreaker.NewCircuitBreaker[*response](defaultBreakerSettings(log)),
		maxRetries:      maxRetries,
		log:             log,
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState returns the current state of the circuit breaker.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// do sends the request and maps the response: 2xx bodies are decoded into
// result, 401 becomes *AuthError and any other status becomes *Error.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	token string,
	body interface{},
	result interface{},
) error {
	resp, err := c.send(ctx, method, path, token, body)
	if err != nil {
		return err
	}

	if resp.status == http.StatusUnauthorized {
		msg := decodeErrorBody(resp.body)
		if msg == "" {
			msg = "token expired or invalid"
		}
		return &AuthError{Message: msg}
	}

	if resp.status < 200 || resp.status >= 300 {
		msg := decodeErrorBody(resp.body)
		if msg == "" {
			msg = strings.TrimSpace(string(resp.body))
		}
		return &Error{
			StatusCode: resp.status,
			Method:     method,
			Path:       path,
			Message:    msg,
		}
	}

	// No content to parse (e.g. 204).
	if result == nil || resp.status == http.StatusNoContent || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(resp.body, result); err != nil {
		return fmt.Errorf(
			"unmarshaling response from %s %s: %w",
			method, path, err,
		)
	}

	return nil
}

// send performs the request through the circuit breaker, retrying on 429.
// The returned response may carry any status code.
func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	token string,
	body interface{},
) (*response, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	exp.MaxInterval = c.maxInterval
	exp.MaxElapsedTime = 0
	ra := &retryAfterBackOff{BackOff: exp}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(ra, uint64(c.maxRetries)),
		ctx,
	)

	var last *response
	operation := func() error {
		resp, err := c.breaker.Execute(func() (*response, error) {
			return c.roundTrip(ctx, method, path, token, data)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) ||
				errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			var se *serverError
			if errors.As(err, &se) && resp != nil {
				last = resp
				return nil
			}
			return backoff.Permanent(err)
		}

		last = resp
		if resp.status == http.StatusTooManyRequests {
			ra.next = retryAfter(resp.header)
			return fmt.Errorf("rate limited (429) on %s %s", method, path)
		}
		return nil
	}

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("wait", wait).Msg("retrying request")
	})
	if err != nil {
		// Retries exhausted on 429: hand the last response to the caller.
		if last != nil && last.status == http.StatusTooManyRequests && ctx.Err() == nil {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

// roundTrip executes a single HTTP exchange and reads the whole body.
func (c *Client) roundTrip(
	ctx context.Context,
	method string,
	path string,
	token string,
	data []byte,
) (*response, error) {
	var bodyReader io.Reader
	if data != nil {
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	r := &response{status: resp.StatusCode, header: resp.Header, body: respBody}
	if resp.StatusCode >= 500 {
		return r, &serverError{statusCode: resp.StatusCode}
	}
	return r, nil
}

// retryAfterBackOff lets a Retry-After header override the next
// exponential delay once.
type retryAfterBackOff struct {
	backoff.BackOff
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.next > 0 {
		d := b.next
		b.next = 0
		// Keep the exponential sequence advancing.
		b.BackOff.NextBackOff()
		return d
	}
	return b.BackOff.NextBackOff()
}

// retryAfter reads the Retry-After header in seconds, capped at 30s.
// Zero means "use the exponential delay".
func retryAfter(h http.Header) time.Duration {
	header := h.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// decodeErrorBody extracts a message from an error payload, or "".
func decodeErrorBody(body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil {
		return ""
	}
	return eb.text()
}

package vendors

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
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/i474232898/station-ingest/internal/ingest"
)

var (
	errServerError  = errors.New("server error")
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
)

// maxBodyBytes caps how much of a vendor response is read.
const maxBodyBytes = 64 << 20

var validate = validator.New()

// RetryPolicy decides whether and when a failed vendor call is repeated.
// MaxAttempts counts the first call; values below 1 mean a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int, err error) time.Duration
	Retryable   func(err error) bool
	Sleep       func(ctx context.Context, d time.Duration) error
}

// NoRetry performs exactly one attempt.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// FixedBackoff waits d between attempts.
func FixedBackoff(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

// RetryAfterBackoff waits for the server-provided Retry-After, or def when absent.
func RetryAfterBackoff(def time.Duration) func(int, error) time.Duration {
	return func(_ int, err error) time.Duration {
		var fe *ingest.FetchError
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			return fe.RetryAfter
		}
		return def
	}
}

// RetryOn matches errors of the given kinds.
func RetryOn(kinds ...ingest.ErrorKind) func(error) bool {
	return func(err error) bool {
		for _, k := range kinds {
			if ingest.IsKind(err, k) {
				return true
			}
		}
		return false
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= attempts || p.Retryable == nil || !p.Retryable(lastErr) {
			return lastErr
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resilientClient executes vendor requests behind circuit breakers keyed by
// the caller, so one failing station or sensor never opens the circuit for
// another. Only transport errors and 5xx responses count as breaker failures.
type resilientClient struct {
	vendor ingest.Vendor
	client *http.Client
	// serverErrorKind classifies 5xx replies. Vendors that retry transient
	// failures use KindTransient; the rest report KindUnexpectedStatus.
	serverErrorKind ingest.ErrorKind

	mu       sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

func newResilientClient(vendor ingest.Vendor, client *http.Client, serverErrorKind ingest.ErrorKind) *resilientClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &resilientClient{
		vendor:          vendor,
		client:          client,
		serverErrorKind: serverErrorKind,
		circuits:        make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *resilientClient) circuit(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.circuits[key]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(c.vendor) + ":" + key,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		})
		c.circuits[key] = cb
	}
	return cb
}

// do sends the request through the breaker for key and returns the response
// body of a 200 reply. Any other outcome becomes a *ingest.FetchError.
func (c *resilientClient) do(ctx context.Context, key string, buildRequest func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if c.client == nil {
		return nil, ingest.NewFetchError(c.vendor, ingest.KindTransient, 0, errNoHTTPClient)
	}

	req, err := buildRequest(ctx)
	if err != nil {
		return nil, ingest.NewFetchError(c.vendor, ingest.KindUnexpectedStatus, 0, fmt.Errorf("build request: %w", err))
	}

	result, err := c.circuit(key).Execute(func() (interface{}, error) {
		resp, execErr := c.client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})

	if err != nil {
		var se *statusError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, ingest.NewFetchError(c.vendor, ingest.KindTransient, 0, fmt.Errorf("%w: %v", errCircuitOpen, err))
		case errors.As(err, &se):
			return nil, ingest.NewFetchError(c.vendor, c.serverErrorKind, se.code, errServerError)
		default:
			return nil, ingest.NewFetchError(c.vendor, ingest.KindTransient, 0, err)
		}
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, ingest.NewFetchError(c.vendor, ingest.KindTransient, 0, fmt.Errorf("unexpected result type from circuit breaker"))
	}
	defer resp.Body.Close()

	if err := checkStatus(c.vendor, resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, ingest.NewFetchError(c.vendor, ingest.KindTransient, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

// checkStatus maps a non-200 response to a classified FetchError.
func checkStatus(vendor ingest.Vendor, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ingest.NewFetchError(vendor, ingest.KindAuth, resp.StatusCode, nil)
	case http.StatusForbidden:
		return ingest.NewFetchError(vendor, ingest.KindForbidden, resp.StatusCode, nil)
	case http.StatusTooManyRequests:
		fe := ingest.NewFetchError(vendor, ingest.KindRateLimited, resp.StatusCode, nil)
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return fe
	default:
		return ingest.NewFetchError(vendor, ingest.KindUnexpectedStatus, resp.StatusCode, nil)
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// decodeJSON decodes and validates a vendor payload. Numbers are kept as
// json.Number so large unix timestamps survive intact.
func decodeJSON(vendor ingest.Vendor, body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return ingest.NewFetchError(vendor, ingest.KindMalformed, 0, fmt.Errorf("decode response: %w", err))
	}
	if err := validatePayload(v); err != nil {
		return ingest.NewFetchError(vendor, ingest.KindMalformed, 0, err)
	}
	return nil
}

func validatePayload(v any) error {
	err := validate.Struct(v)
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// not a struct payload; nothing to validate
		return nil
	}
	if err != nil {
		return fmt.Errorf("validate response: %w", err)
	}
	return nil
}

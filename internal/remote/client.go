package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultUserAgent = "coverage-engine/1.0"

// Policy is a bounded retry schedule shared by all API adapters, so retry
// behaviour stays uniform and testable away from network code.
type Policy struct {
	MaxRetries  int
	Delay       time.Duration
	Exponential bool
}

// Attempts returns the total number of calls the policy permits.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay to apply before the given retry (1-based).
func (p Policy) Backoff(retry int) time.Duration {
	if p.Delay <= 0 || retry < 1 {
		return 0
	}
	if !p.Exponential {
		return p.Delay
	}
	delay := p.Delay
	for i := 1; i < retry; i++ {
		delay *= 2
	}
	return delay
}

// Sleep waits for the retry's backoff or until the context expires,
// whichever comes first. It reports false when the remaining deadline cannot
// accommodate the delay, so callers stop retrying instead of overshooting.
func (p Policy) Sleep(ctx context.Context, retry int) bool {
	delay := p.Backoff(retry)
	if delay == 0 {
		return ctx.Err() == nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// StatusError reports a non-success upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Client performs JSON GET requests against one upstream host. Requests are
// paced through a token bucket so bursts of concurrent resolutions do not
// hammer a carrier endpoint; the MTN maps explicitly ask for spacing between
// calls.
type Client struct {
	httpClient *http.Client
	pacer      *rate.Limiter
	userAgent  string
}

// NewClient builds a paced HTTP client. A non-positive spacing disables
// pacing, a non-positive timeout falls back to 15s.
func NewClient(timeout, spacing time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if spacing > 0 {
		pacer = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		pacer:      pacer,
		userAgent:  defaultUserAgent,
	}
}

// GetJSON fetches the URL and decodes the response body into out. Non-2xx
// responses become a StatusError carrying a bounded body excerpt.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pace request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(excerpt)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

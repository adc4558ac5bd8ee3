package weather

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxBodyBytes = 1 << 20

// HTTPDoer is the minimal client contract used to reach the forecast API.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Upstream performs GET requests against the forecast API.
type Upstream struct {
	client HTTPDoer
}

// NewUpstream builds an upstream client. A nil client gets a default one bounded by timeout.
func NewUpstream(client HTTPDoer, timeout time.Duration) *Upstream {
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Upstream{client: client}
}

// Fetch issues a GET for url and returns the body. Non-2xx statuses and
// bodies rejected by CheckPayload are errors, so they never reach the cache.
// It matches cache.FetchFunc so it can back a RequestCache directly.
func (u *Upstream) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("weather: read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("weather: close: %w", closeErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("weather: upstream status %d", resp.StatusCode)
	}
	if err := CheckPayload(body); err != nil {
		return nil, err
	}
	return body, nil
}

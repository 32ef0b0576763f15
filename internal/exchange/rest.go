package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// restClient is the shared HTTP plumbing for venues without a Go SDK
// (Bybit, Bitget, HTX, Gate.io). It applies the venue rate limit before
// every request and classifies transport and status failures into the
// adapter error taxonomy.
type restClient struct {
	exchange string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

func newRESTClient(exchange, baseURL string, cfg Config, defaultRPS float64) *restClient {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = defaultRPS
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		exchange: exchange,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// getJSON performs a rate-limited GET and decodes the body into out.
func (c *restClient) getJSON(ctx context.Context, op, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err // cancellation, not a venue failure
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return NewError(KindOther, c.exchange, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ClassifyHTTP(c.exchange, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the diagnostic, then classify.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		cerr := ClassifyHTTP(c.exchange, op, resp.StatusCode, nil)
		cerr.Err = fmt.Errorf("%w: %s", cerr.Err, string(body))
		return cerr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindVendorTemporary, c.exchange, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *restClient) close() {
	c.http.CloseIdleConnections()
}

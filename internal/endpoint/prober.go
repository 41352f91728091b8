package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPProberOptions parameterise HTTP health probes.
type HTTPProberOptions struct {
	Timeout      time.Duration
	ProbesPerSec float64
	UserAgent    string
	Client       *http.Client
}

// HTTPProber issues paced GET requests and treats any status below 500 as reachable.
type HTTPProber struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewHTTPProber constructs a prober. A non-positive rate disables pacing.
func NewHTTPProber(opts HTTPProberOptions) *HTTPProber {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.ProbesPerSec > 0 {
		limit = rate.Limit(opts.ProbesPerSec)
	}
	return &HTTPProber{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: opts.UserAgent,
	}
}

// Probe requests url and returns the round-trip time.
func (p *HTTPProber) Probe(ctx context.Context, url string) (time.Duration, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	elapsed := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return elapsed, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return elapsed, nil
}

var _ Prober = (*HTTPProber)(nil)

package endpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawfeed/internal/alerting"
)

type stubProber struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (p *stubProber) Probe(_ context.Context, url string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, url)
	if p.fail[url] {
		return 0, errBoom
	}
	return 5 * time.Millisecond, nil
}

func TestRecoveryReadmitsFailedEndpoint(t *testing.T) {
	r, _, clk := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	for i := 0; i < 3; i++ {
		_, _ = r.RecordFailure(ctx, "A", errBoom, false)
	}

	clk.Advance(4 * time.Minute)
	report := r.RunHealthCheck(ctx)
	assert.Empty(t, report.Recovered)
	ep, _ := r.Get("A")
	assert.Equal(t, StatusFailed, ep.Status)

	clk.Advance(2 * time.Minute)
	report = r.RunHealthCheck(ctx)
	assert.Equal(t, []string{"A"}, report.Recovered)

	ep, _ = r.Get("A")
	assert.Equal(t, StatusActive, ep.Status)
	assert.Equal(t, 0, ep.ConsecutiveFailures)
	assert.Equal(t, int64(3), ep.TotalRequests, "recovery records no request")
}

func TestHealthCheckProbesWithoutSwitching(t *testing.T) {
	prober := &stubProber{fail: map[string]bool{"http://A.example/ping": true}}
	r, pub, _ := newTestRegistry(t, Options{Prober: prober})
	r.RegisterSource("S", SourcePolicy{TestPath: "/ping", FailureThreshold: 1})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)

	_, err := r.GetBestEndpoint("S")
	require.NoError(t, err)

	report := r.RunHealthCheck(ctx)
	assert.Equal(t, 2, report.Probed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []string{"http://A.example/ping", "http://B.example/ping"}, prober.calls)

	a, _ := r.Get("A")
	assert.Equal(t, StatusFailed, a.Status)
	current, _ := r.Current("S")
	assert.Equal(t, "A", current, "health checks never switch")
	assert.Empty(t, r.History("S", 0))

	// the next selection moves off the failed endpoint and records it once
	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "B", best.ID)
	_, err = r.GetBestEndpoint("S")
	require.NoError(t, err)

	history := r.History("S", 0)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerHealthCheck, history[0].TriggerType)
	assert.Equal(t, "A", history[0].OldEndpointID)
	assert.Equal(t, "B", history[0].NewEndpointID)
	assert.Equal(t, "system", history[0].Operator)
	assert.Contains(t, pub.kinds(), alerting.KindDomainAutoSwitched)
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProber(HTTPProberOptions{Timeout: time.Second, ProbesPerSec: 100})

	_, err := p.Probe(context.Background(), srv.URL+"/up")
	assert.NoError(t, err, "4xx still means reachable")

	_, err = p.Probe(context.Background(), srv.URL+"/down")
	assert.Error(t, err)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://a/b", joinURL("http://a/", "/b"))
	assert.Equal(t, "http://a/b", joinURL("http://a", "b"))
	assert.Equal(t, "http://a", joinURL("http://a", ""))
}

package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawfeed/internal/alerting"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (p *recordingPublisher) Publish(event alerting.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []alerting.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]alerting.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func newTestRegistry(t *testing.T, opts Options) (*Registry, *recordingPublisher, *clock) {
	t.Helper()
	pub := &recordingPublisher{}
	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	if opts.Publisher == nil {
		opts.Publisher = pub
	}
	opts.Now = clk.Now
	r := NewRegistry(opts, zerolog.Nop())
	r.RegisterSource("S", SourcePolicy{})
	return r, pub, clk
}

func mustAdd(t *testing.T, r *Registry, id string, priority int) {
	t.Helper()
	_, err := r.AddEndpoint(context.Background(), Endpoint{
		ID: id, SourceType: "S", URL: "http://" + id + ".example", Priority: priority, Enabled: true,
	})
	require.NoError(t, err)
}

func TestFailureThresholdMarksFailed(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)

	for i := 1; i < DefaultFailureThreshold; i++ {
		ep, err := r.RecordFailure(ctx, "A", errBoom, false)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, ep.Status, "failure %d", i)
	}
	ep, err := r.RecordFailure(ctx, "A", errBoom, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, ep.Status)
	assert.Equal(t, 3, ep.ConsecutiveFailures)
	assert.Equal(t, int64(3), ep.FailedRequests)
	assert.Equal(t, "boom", ep.FailureReason)

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "B", best.ID)
}

func TestSuccessResetsFailures(t *testing.T) {
	r, pub, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)

	for i := 0; i < 5; i++ {
		_, err := r.RecordFailure(ctx, "A", errBoom, false)
		require.NoError(t, err)
	}

	ep, err := r.RecordSuccess(ctx, "A", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, ep.ConsecutiveFailures)
	assert.Equal(t, StatusActive, ep.Status)

	ep, err = r.RecordSuccess(ctx, "A", 6*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, ep.Status)
	assert.Contains(t, pub.kinds(), alerting.KindDomainPerformanceDegraded)

	assert.Equal(t, int64(7), ep.TotalRequests)
	assert.Equal(t, ep.TotalRequests, ep.SuccessRequests+ep.FailedRequests)
	assert.InDelta(t, 2.0/7.0, ep.SuccessRate, 1e-9)
	assert.InDelta(t, 3050.0, ep.AvgResponseTimeMs, 1e-9)
}

func TestSelectionOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 2)
	mustAdd(t, r, "B", 1)
	mustAdd(t, r, "C", 1)
	_, err := r.RecordSuccess(ctx, "C", 10*time.Second)
	require.NoError(t, err)

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "B", best.ID)

	list := r.List("S")
	require.Len(t, list, 3)
	assert.Equal(t, []string{"B", "A", "C"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestSoftFallbackToFailedEndpoint(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	for i := 0; i < 3; i++ {
		_, _ = r.RecordFailure(ctx, "A", errBoom, false)
	}

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "A", best.ID)
	assert.Equal(t, StatusFailed, best.Status)

	_, err = r.GetBestEndpoint("unknown")
	assert.ErrorIs(t, err, ErrNoEndpointAvailable)
}

func TestAutoFailoverSwitchesCurrent(t *testing.T) {
	r, pub, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	require.Equal(t, "A", best.ID)

	for i := 0; i < 3; i++ {
		_, err := r.RecordFailure(ctx, "A", errBoom, true)
		require.NoError(t, err)
	}

	current, ok := r.Current("S")
	require.True(t, ok)
	assert.Equal(t, "B", current)

	history := r.History("S", 0)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerAutoFailover, history[0].TriggerType)
	assert.Equal(t, "A", history[0].OldEndpointID)
	assert.Equal(t, "B", history[0].NewEndpointID)
	assert.Contains(t, history[0].Reason, "consecutive failures")
	assert.Contains(t, pub.kinds(), alerting.KindDomainAutoSwitched)

	// A further failure of the old endpoint must not switch again.
	_, err = r.RecordFailure(ctx, "A", errBoom, true)
	require.NoError(t, err)
	assert.Len(t, r.History("S", 0), 1)
}

func TestAutoFailoverWithoutAlternative(t *testing.T) {
	r, pub, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = r.RecordFailure(ctx, "A", errBoom, true)
	}
	assert.ErrorIs(t, lastErr, ErrNoEndpointAvailable)
	assert.Contains(t, pub.kinds(), alerting.KindAllDomainsFailed)
	assert.Empty(t, r.History("S", 0))
}

func TestSwitchDomain(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)
	mustAdd(t, r, "C", 3)
	_, err := r.SetEnabled(ctx, "C", false)
	require.NoError(t, err)

	_, err = r.GetBestEndpoint("S")
	require.NoError(t, err)

	_, err = r.SwitchDomain(ctx, "A", "noop", "ops")
	assert.ErrorIs(t, err, ErrAlreadyCurrent)

	_, err = r.SwitchDomain(ctx, "C", "try", "ops")
	assert.ErrorIs(t, err, ErrEndpointDisabled)

	_, err = r.SwitchDomain(ctx, "missing", "try", "ops")
	assert.ErrorIs(t, err, ErrEndpointNotFound)

	entry, err := r.SwitchDomain(ctx, "B", "maintenance", "ops")
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, entry.TriggerType)
	assert.Equal(t, "A", entry.OldEndpointID)
	assert.Equal(t, "ops", entry.Operator)

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "B", best.ID)
}

func TestDeleteRefusesLastEnabled(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)

	_, err := r.SetEnabled(ctx, "B", false)
	require.NoError(t, err)

	assert.ErrorIs(t, r.DeleteEndpoint("A"), ErrLastEnabledEndpoint)
	_, err = r.SetEnabled(ctx, "A", false)
	assert.ErrorIs(t, err, ErrLastEnabledEndpoint)

	require.NoError(t, r.DeleteEndpoint("B"))
	_, ok := r.Get("B")
	assert.False(t, ok)
	assert.ErrorIs(t, r.DeleteEndpoint("B"), ErrEndpointNotFound)
}

func TestAddEndpointRejectsDuplicate(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	mustAdd(t, r, "A", 1)
	_, err := r.AddEndpoint(context.Background(), Endpoint{ID: "A", SourceType: "S", URL: "http://x", Enabled: true})
	assert.ErrorIs(t, err, ErrDuplicateEndpoint)
}

func TestConcurrentRecordsDoNotLoseUpdates(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if (w+i)%2 == 0 {
					_, _ = r.RecordSuccess(ctx, "A", time.Millisecond)
				} else {
					_, _ = r.RecordFailure(ctx, "A", errBoom, false)
				}
			}
		}(w)
	}
	wg.Wait()

	ep, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), ep.TotalRequests)
	assert.Equal(t, ep.TotalRequests, ep.SuccessRequests+ep.FailedRequests)
	assert.Equal(t, int64(workers*perWorker/2), ep.SuccessRequests)
}

func TestHistoryNewestFirstAndLimited(t *testing.T) {
	r, _, clk := newTestRegistry(t, Options{HistoryLimit: 2})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)

	for _, id := range []string{"A", "B", "A"} {
		clk.Advance(time.Second)
		_, err := r.SwitchDomain(ctx, id, "rotate", "ops")
		require.NoError(t, err)
	}

	history := r.History("", 0)
	require.Len(t, history, 2)
	assert.Equal(t, "A", history[0].NewEndpointID)
	assert.Equal(t, "B", history[1].NewEndpointID)
	assert.Len(t, r.History("S", 1), 1)
}

type memoryPersister struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	switches  []SwitchHistoryEntry
}

func (m *memoryPersister) SaveEndpoint(_ context.Context, ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoints == nil {
		m.endpoints = make(map[string]Endpoint)
	}
	m.endpoints[ep.ID] = ep
	return nil
}

func (m *memoryPersister) SaveSwitch(_ context.Context, entry SwitchHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches = append(m.switches, entry)
	return nil
}

func TestPersisterReceivesSnapshots(t *testing.T) {
	store := &memoryPersister{}
	r, _, _ := newTestRegistry(t, Options{Persister: store})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)

	_, err := r.RecordSuccess(ctx, "A", time.Millisecond)
	require.NoError(t, err)
	_, err = r.SwitchDomain(ctx, "B", "manual", "ops")
	require.NoError(t, err)
	r.FlushSnapshots()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, int64(1), store.endpoints["A"].SuccessRequests)
	require.Len(t, store.switches, 1)
	assert.Equal(t, "B", store.switches[0].NewEndpointID)
}

type slowPersister struct {
	memoryPersister
	release chan struct{}
}

func (s *slowPersister) SaveEndpoint(ctx context.Context, ep Endpoint) error {
	<-s.release
	return s.memoryPersister.SaveEndpoint(ctx, ep)
}

func TestRecordOutcomesDoNotWaitForPersister(t *testing.T) {
	store := &slowPersister{release: make(chan struct{})}
	r, _, _ := newTestRegistry(t, Options{})
	mustAdd(t, r, "A", 1)
	r.persister = store
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, _ = r.RecordSuccess(ctx, "A", time.Millisecond)
		}
		_, _ = r.RecordFailure(ctx, "A", errBoom, false)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request outcomes blocked on the persister")
	}

	close(store.release)
	r.FlushSnapshots()
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.endpoints["A"].TotalRequests == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisablingCurrentRecordsSwitch(t *testing.T) {
	store := &memoryPersister{}
	r, pub, _ := newTestRegistry(t, Options{Persister: store})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	mustAdd(t, r, "B", 2)
	mustAdd(t, r, "C", 3)
	_, err := r.GetBestEndpoint("S")
	require.NoError(t, err)

	_, err = r.SetEnabled(ctx, "A", false)
	require.NoError(t, err)
	current, _ := r.Current("S")
	assert.Equal(t, "B", current)

	require.NoError(t, r.DeleteEndpoint("B"))
	current, _ = r.Current("S")
	assert.Equal(t, "C", current)

	history := r.History("S", 0)
	require.Len(t, history, 2)
	assert.Equal(t, TriggerManual, history[1].TriggerType)
	assert.Equal(t, "A", history[1].OldEndpointID)
	assert.Equal(t, "B", history[1].NewEndpointID)
	assert.Contains(t, history[1].Reason, "disabled")
	assert.Equal(t, "B", history[0].OldEndpointID)
	assert.Equal(t, "C", history[0].NewEndpointID)
	assert.Contains(t, history[0].Reason, "deleted")

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "C", best.ID)
	assert.Len(t, r.History("S", 0), 2)
	assert.Contains(t, pub.kinds(), alerting.KindDomainAutoSwitched)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.switches, 2)
}

func TestFailedCurrentKeptWithoutAlternative(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	mustAdd(t, r, "A", 1)
	_, err := r.GetBestEndpoint("S")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = r.RecordFailure(ctx, "A", errBoom, true)
	}
	current, ok := r.Current("S")
	require.True(t, ok)
	assert.Equal(t, "A", current)

	best, err := r.GetBestEndpoint("S")
	require.NoError(t, err)
	assert.Equal(t, "A", best.ID)
	assert.Empty(t, r.History("S", 0))
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawfeed/internal/fetcher"
)

type stubLocker struct {
	acquired bool
	err      error
	keys     []int64
	unlocked int
}

func (l *stubLocker) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

func TestProcessSourceFetchesEveryItem(t *testing.T) {
	h := newHarness(t, fetcher.AdapterFunc(func(context.Context, string, string) (fetcher.Record, error) {
		return okRecord("P1", nil), nil
	}))
	svc := New(h.orch, Options{}, zerolog.Nop())

	require.NoError(t, svc.ProcessSource(context.Background(), "S", time.Now()))
	for _, id := range []string{"x", "y"} {
		_, ok := h.countdowns.GetState(id)
		assert.True(t, ok, "item %s should be tracked", id)
	}
	assert.Equal(t, int32(2), h.callsTo("http://a.example"))
}

func TestProcessSourceReportsTotalFailure(t *testing.T) {
	h := newHarness(t, fetcher.AdapterFunc(func(context.Context, string, string) (fetcher.Record, error) {
		return fetcher.Record{}, errors.New("upstream down")
	}))
	svc := New(h.orch, Options{}, zerolog.Nop())

	err := svc.ProcessSource(context.Background(), "F", time.Now())
	require.Error(t, err)
	var srcErr *SourceUnavailableError
	assert.ErrorAs(t, err, &srcErr)
}

func TestProcessSourceSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, fetcher.AdapterFunc(func(context.Context, string, string) (fetcher.Record, error) {
		return okRecord("P1", nil), nil
	}))
	locker := &stubLocker{}
	svc := New(h.orch, Options{AdvisoryLockKey: 42, Locker: locker}, zerolog.Nop())

	require.NoError(t, svc.ProcessSource(context.Background(), "S", time.Now()))
	assert.Zero(t, h.callsTo("http://a.example"))
	require.Len(t, locker.keys, 1)
	assert.Equal(t, lockKeyFor(42, "S"), locker.keys[0])

	locker.acquired = true
	require.NoError(t, svc.ProcessSource(context.Background(), "S", time.Now()))
	assert.Equal(t, int32(2), h.callsTo("http://a.example"))
	assert.Equal(t, 1, locker.unlocked)
}

func TestProcessSourceLockError(t *testing.T) {
	h := newHarness(t, fetcher.AdapterFunc(func(context.Context, string, string) (fetcher.Record, error) {
		return okRecord("P1", nil), nil
	}))
	svc := New(h.orch, Options{AdvisoryLockKey: 42, Locker: &stubLocker{err: errors.New("db gone")}}, zerolog.Nop())
	assert.Error(t, svc.ProcessSource(context.Background(), "S", time.Now()))
}

func TestLockKeyForDiffersPerSource(t *testing.T) {
	assert.NotEqual(t, lockKeyFor(7, "S"), lockKeyFor(7, "F"))
	assert.Equal(t, lockKeyFor(7, "S"), lockKeyFor(7, "S"))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, fetcher.AdapterFunc(func(context.Context, string, string) (fetcher.Record, error) {
		return okRecord("P1", nil), nil
	}))
	svc := New(h.orch, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawfeed/internal/cache"
	"drawfeed/internal/config"
	"drawfeed/internal/countdown"
	"drawfeed/internal/endpoint"
	"drawfeed/internal/service"
)

type stubFetcher struct {
	result    service.Result
	lastKnown map[string]service.Item
}

func (s *stubFetcher) FetchItem(_ context.Context, itemID string) service.Result {
	res := s.result
	res.ItemID = itemID
	return res
}

func (s *stubFetcher) LastKnown(itemID string) (service.Item, bool) {
	item, ok := s.lastKnown[itemID]
	return item, ok
}

func (s *stubFetcher) Stats() []service.SourceStats {
	return []service.SourceStats{{SourceType: "S", Total: 3, Success: 2}}
}

type recordingDeleter struct{ ids []string }

func (d *recordingDeleter) DeleteEndpoint(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return nil
}

type fixture struct {
	srv        *httptest.Server
	registry   *endpoint.Registry
	countdowns *countdown.Manager
	fetcher    *stubFetcher
	deleter    *recordingDeleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	registry := endpoint.NewRegistry(endpoint.Options{}, logger)
	ctx := context.Background()
	for _, ep := range []endpoint.Endpoint{
		{ID: "A", SourceType: "S", URL: "http://a.example", Priority: 1, Enabled: true},
		{ID: "B", SourceType: "S", URL: "http://b.example", Priority: 2, Enabled: true},
	} {
		_, err := registry.AddEndpoint(ctx, ep)
		require.NoError(t, err)
	}
	_, err := registry.GetBestEndpoint("S")
	require.NoError(t, err)

	countdowns := countdown.NewManager(countdown.Options{}, logger)
	countdowns.Update("fast3", countdown.Update{Countdown: 42, Period: "P7", DrawTime: time.Now().Add(42 * time.Second)})

	f := &fixture{
		registry:   registry,
		countdowns: countdowns,
		fetcher:    &stubFetcher{lastKnown: map[string]service.Item{"fast3": {ItemID: "fast3", Period: "P7"}}},
		deleter:    &recordingDeleter{},
	}
	h := NewHandler(Options{
		Registry:   registry,
		Fetcher:    f.fetcher,
		Countdowns: countdowns,
		Cache:      cache.New(time.Second, time.Minute),
		Deleter:    f.deleter,
	}, logger)
	f.srv = httptest.NewServer(h.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestListEndpointsMarksCurrent(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/endpoints?source_type=S", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	views := decode[[]endpointView](t, resp)
	require.Len(t, views, 2)
	assert.Equal(t, "A", views[0].ID)
	assert.True(t, views[0].Current)
	assert.False(t, views[1].Current)
}

func TestAddEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/endpoints", `{"id":"C","source_type":"S","url":"http://c.example","priority":3}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ep := decode[endpoint.Endpoint](t, resp)
	assert.True(t, ep.Enabled)
	assert.Equal(t, endpoint.StatusActive, ep.Status)

	dup := f.do(t, http.MethodPost, "/api/endpoints", `{"id":"C","source_type":"S","url":"http://c.example"}`)
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	bad := f.do(t, http.MethodPost, "/api/endpoints", `{"id":"D"}`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSwitchEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/endpoints/B/switch", `{"reason":"maintenance","operator":"ops"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[endpoint.SwitchHistoryEntry](t, resp)
	assert.Equal(t, "A", entry.OldEndpointID)
	assert.Equal(t, "B", entry.NewEndpointID)
	assert.Equal(t, endpoint.TriggerManual, entry.TriggerType)
	assert.Equal(t, "ops", entry.Operator)

	again := f.do(t, http.MethodPost, "/api/endpoints/B/switch", "")
	assert.Equal(t, http.StatusConflict, again.StatusCode)

	missing := f.do(t, http.MethodPost, "/api/endpoints/Z/switch", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	history := f.do(t, http.MethodGet, "/api/history?source_type=S&limit=10", "")
	require.Equal(t, http.StatusOK, history.StatusCode)
	entries := decode[[]endpoint.SwitchHistoryEntry](t, history)
	require.Len(t, entries, 1)
	assert.Equal(t, "maintenance", entries[0].Reason)
}

func TestEnableDisableAndDelete(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/endpoints/B/disable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[endpoint.Endpoint](t, resp).Enabled)

	last := f.do(t, http.MethodPost, "/api/endpoints/A/disable", "")
	assert.Equal(t, http.StatusConflict, last.StatusCode)

	lastDelete := f.do(t, http.MethodDelete, "/api/endpoints/A", "")
	assert.Equal(t, http.StatusConflict, lastDelete.StatusCode)

	del := f.do(t, http.MethodDelete, "/api/endpoints/B", "")
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, []string{"B"}, f.deleter.ids)
	_, ok := f.registry.Get("B")
	assert.False(t, ok)

	enable := f.do(t, http.MethodPost, "/api/endpoints/B/enable", "")
	assert.Equal(t, http.StatusNotFound, enable.StatusCode)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetItem(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/items/fast3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[itemView](t, resp)
	require.NotNil(t, view.Countdown)
	assert.Equal(t, 42, view.Countdown.Countdown)
	require.NotNil(t, view.LastKnown)
	assert.Equal(t, "P7", view.LastKnown.Period)

	missing := f.do(t, http.MethodGet, "/api/items/nope", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list := f.do(t, http.MethodGet, "/api/items", "")
	require.Equal(t, http.StatusOK, list.StatusCode)
	assert.Len(t, decode[[]countdown.State](t, list), 1)
}

func TestFetchItemStatuses(t *testing.T) {
	f := newFixture(t)

	f.fetcher.result = service.Result{Success: true, SourceType: "S", EndpointID: "A", Data: &service.Item{Period: "P8"}}
	ok := f.do(t, http.MethodPost, "/api/items/fast3/fetch", "")
	require.Equal(t, http.StatusOK, ok.StatusCode)
	body := decode[fetchView](t, ok)
	assert.True(t, body.Success)
	assert.Equal(t, "fast3", body.ItemID)

	f.fetcher.result = service.Result{Err: &service.ConfigurationError{ItemID: "x", Reason: "item is not mapped to a source"}}
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/items/x/fetch", "").StatusCode)

	f.fetcher.result = service.Result{Err: &service.SourceUnavailableError{SourceType: "S", EndpointID: "A", Err: errors.New("boom")}}
	failed := f.do(t, http.MethodPost, "/api/items/fast3/fetch", "")
	assert.Equal(t, http.StatusBadGateway, failed.StatusCode)
	assert.Contains(t, decode[fetchView](t, failed).Error, "boom")

	f.fetcher.result = service.Result{Err: endpoint.ErrNoEndpointAvailable}
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/items/fast3/fetch", "").StatusCode)
}

func TestStatsAndHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[statsView](t, resp)
	require.Len(t, view.Sources, 1)
	assert.Equal(t, int64(3), view.Sources[0].Total)
	assert.NotNil(t, view.Cache)
	assert.Nil(t, view.Broadcast)

	health := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	srv := NewServer(config.ServerConfig{Addr: "127.0.0.1:0"}, http.NotFoundHandler(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

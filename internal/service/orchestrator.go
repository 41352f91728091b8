package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"drawfeed/internal/cache"
	"drawfeed/internal/countdown"
	"drawfeed/internal/endpoint"
	"drawfeed/internal/fetcher"
	"drawfeed/internal/storage"
)

// Registry is the part of the endpoint registry the orchestrator drives.
type Registry interface {
	GetBestEndpoint(sourceType string) (endpoint.Endpoint, error)
	RecordSuccess(ctx context.Context, id string, responseTime time.Duration) (endpoint.Endpoint, error)
	RecordFailure(ctx context.Context, id string, cause error, autoSwitch bool) (endpoint.Endpoint, error)
}

// Countdowns receives authoritative timer observations.
type Countdowns interface {
	Update(itemID string, u countdown.Update) countdown.State
	GetState(itemID string) (countdown.State, bool)
}

// DrawSink persists normalised records.
type DrawSink interface {
	SaveDraw(ctx context.Context, rec storage.DrawRecord) error
}

// Item is the normalised view of one fetched item.
type Item struct {
	ItemID     string          `json:"item_id"`
	SourceType string          `json:"source_type"`
	EndpointID string          `json:"endpoint_id,omitempty"`
	Period     string          `json:"period"`
	DrawTime   time.Time       `json:"draw_time"`
	Countdown  int             `json:"countdown"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// Result is the structured outcome of FetchItem. Err is nil exactly when
// Success is true.
type Result struct {
	Success    bool          `json:"success"`
	ItemID     string        `json:"item_id"`
	SourceType string        `json:"source_type,omitempty"`
	EndpointID string        `json:"endpoint_id,omitempty"`
	Data       *Item         `json:"data,omitempty"`
	FromCache  bool          `json:"from_cache"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// OrchestratorOptions wire the orchestrator's collaborators.
type OrchestratorOptions struct {
	Catalog       *Catalog
	Adapters      *fetcher.Set
	Registry      Registry
	Countdowns    Countdowns
	Cache         cache.Cache
	Store         DrawSink
	LastKnownSize int
	Now           func() time.Time
}

// Orchestrator routes item fetches through endpoints and adapters and feeds
// the registry, countdown manager and cache with the outcome.
type Orchestrator struct {
	catalog    *Catalog
	adapters   *fetcher.Set
	registry   Registry
	countdowns Countdowns
	cache      cache.Cache
	store      DrawSink
	now        func() time.Time
	logger     zerolog.Logger

	stats     *xsync.Map[string, sourceCounters]
	lastKnown otter.Cache[string, Item]
}

type sourceCounters struct {
	total         int64
	success       int64
	failed        int64
	cacheHits     int64
	latency       time.Duration
	lastError     string
	lastErrorAt   time.Time
	lastSuccessAt time.Time
}

// SourceStats are rolling counters for one source-type.
type SourceStats struct {
	SourceType    string          `json:"source_type"`
	Total         int64           `json:"total"`
	Success       int64           `json:"success"`
	Failed        int64           `json:"failed"`
	CacheHits     int64           `json:"cache_hits"`
	SuccessRate   decimal.Decimal `json:"success_rate"`
	AvgLatencyMs  decimal.Decimal `json:"avg_latency_ms"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   time.Time       `json:"last_error_at,omitzero"`
	LastSuccessAt time.Time       `json:"last_success_at,omitzero"`
}

// NewOrchestrator constructs the orchestrator.
func NewOrchestrator(opts OrchestratorOptions, logger zerolog.Logger) (*Orchestrator, error) {
	if opts.Catalog == nil || opts.Adapters == nil {
		return nil, errors.New("orchestrator: catalog and adapters are required")
	}
	if opts.Registry == nil || opts.Countdowns == nil {
		return nil, errors.New("orchestrator: registry and countdown manager are required")
	}
	size := opts.LastKnownSize
	if size <= 0 {
		size = 4096
	}
	lastKnown, err := otter.MustBuilder[string, Item](size).
		Cost(func(_ string, _ Item) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build last-known cache: %w", err)
	}

	o := &Orchestrator{
		catalog:    opts.Catalog,
		adapters:   opts.Adapters,
		registry:   opts.Registry,
		countdowns: opts.Countdowns,
		cache:      opts.Cache,
		store:      opts.Store,
		now:        opts.Now,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		stats:      xsync.NewMap[string, sourceCounters](),
		lastKnown:  lastKnown,
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Catalog returns the routing table.
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// FetchItem acquires one item. It never panics and never returns a bare
// error: every outcome is reported in the Result.
func (o *Orchestrator) FetchItem(ctx context.Context, itemID string) Result {
	start := o.now()
	res := o.fetch(ctx, itemID)
	res.ItemID = itemID
	res.Duration = o.now().Sub(start)
	res.Success = res.Err == nil
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, itemID string) Result {
	route, ok := o.catalog.Route(itemID)
	if !ok {
		return Result{Err: &ConfigurationError{ItemID: itemID, Reason: "item is not mapped to a source"}}
	}
	source, ok := o.catalog.Source(route.SourceType)
	if !ok {
		return Result{SourceType: route.SourceType, Err: &ConfigurationError{ItemID: itemID, Reason: "unknown source " + route.SourceType}}
	}
	adapter, err := o.adapters.Get(route.Adapter)
	if err != nil {
		return Result{SourceType: source.Type, Err: &ConfigurationError{ItemID: itemID, Reason: "adapter lookup", Err: err}}
	}

	cacheable := o.cache != nil && !source.NoCache && !route.NoCache
	if cacheable {
		if cached, hit := o.cache.Get(itemID); hit {
			if item, ok := cached.(Item); ok {
				// the cached copy froze its countdown at fetch time
				if state, ok := o.countdowns.GetState(itemID); ok && state.Period == item.Period {
					item.Countdown = state.Countdown
				}
				o.recordCacheHit(source.Type)
				return Result{SourceType: source.Type, EndpointID: item.EndpointID, Data: &item, FromCache: true}
			}
		}
	}

	var (
		endpointID  string
		endpointURL = source.BaseURL
	)
	if source.Pooled {
		ep, err := o.registry.GetBestEndpoint(source.Type)
		if err != nil {
			o.recordOutcome(source.Type, 0, err)
			return Result{SourceType: source.Type, Err: err}
		}
		endpointID, endpointURL = ep.ID, ep.URL
	}

	started := o.now()
	record, err := o.invoke(ctx, adapter, itemID, endpointURL, source.Timeout)
	elapsed := o.now().Sub(started)
	if err != nil && ctx.Err() != nil {
		// the caller went away; the endpoint is not charged
		o.logger.Debug().Err(err).Str("item", itemID).Str("endpoint", endpointID).Msg("fetch abandoned")
		return Result{SourceType: source.Type, EndpointID: endpointID, Err: fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())}
	}
	if err == nil {
		err = validateRecord(source.Type, record)
	}
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			err = &SourceUnavailableError{SourceType: source.Type, EndpointID: endpointID, Err: err}
		}
		o.reportFailure(ctx, source, endpointID, err)
		o.recordOutcome(source.Type, elapsed, err)
		o.logger.Warn().Err(err).Str("item", itemID).Str("source", source.Type).Str("endpoint", endpointID).Msg("fetch failed")
		return Result{SourceType: source.Type, EndpointID: endpointID, Err: err}
	}

	if endpointID != "" {
		if _, err := o.registry.RecordSuccess(ctx, endpointID, elapsed); err != nil {
			o.logger.Warn().Err(err).Str("endpoint", endpointID).Msg("failed to record endpoint success")
		}
	}

	fetchedAt := o.now()
	state := o.countdowns.Update(itemID, countdown.Update{
		Countdown: countdownFor(record, fetchedAt),
		Period:    record.Period,
		DrawTime:  record.DrawTime,
	})

	item := Item{
		ItemID:     itemID,
		SourceType: source.Type,
		EndpointID: endpointID,
		Period:     record.Period,
		DrawTime:   record.DrawTime,
		Countdown:  state.Countdown,
		Payload:    record.Payload,
		FetchedAt:  fetchedAt,
	}
	if cacheable {
		o.cache.Set(itemID, item, route.CacheTTL)
	}
	o.lastKnown.Set(itemID, item)
	o.recordOutcome(source.Type, elapsed, nil)
	o.persist(ctx, item)

	o.logger.Debug().Str("item", itemID).Str("source", source.Type).Str("endpoint", endpointID).
		Str("period", item.Period).Int("countdown", item.Countdown).Dur("elapsed", elapsed).Msg("item fetched")
	return Result{SourceType: source.Type, EndpointID: endpointID, Data: &item}
}

// invoke races the adapter against the source timeout. A late result is discarded.
func (o *Orchestrator) invoke(ctx context.Context, adapter fetcher.Adapter, itemID, endpointURL string, timeout time.Duration) (fetcher.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		record fetcher.Record
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		record, err := adapter.Fetch(ctx, itemID, endpointURL)
		done <- outcome{record: record, err: err}
	}()

	select {
	case out := <-done:
		return out.record, out.err
	case <-ctx.Done():
		return fetcher.Record{}, fmt.Errorf("adapter timed out after %s: %w", timeout, ctx.Err())
	}
}

func (o *Orchestrator) reportFailure(ctx context.Context, source Source, endpointID string, cause error) {
	if endpointID == "" {
		return
	}
	if _, err := o.registry.RecordFailure(ctx, endpointID, cause, true); err != nil {
		if errors.Is(err, endpoint.ErrNoEndpointAvailable) {
			o.logger.Error().Str("source", source.Type).Msg("no endpoint left after failover, serving last known data")
			return
		}
		o.logger.Warn().Err(err).Str("endpoint", endpointID).Msg("failed to record endpoint failure")
	}
}

func validateRecord(sourceType string, rec fetcher.Record) error {
	if rec.Period == "" {
		return &ValidationError{SourceType: sourceType, Field: "period"}
	}
	if rec.DrawTime.IsZero() {
		return &ValidationError{SourceType: sourceType, Field: "draw_time"}
	}
	return nil
}

// countdownFor prefers the upstream countdown and otherwise derives it from
// the draw time, rounding up to whole seconds.
func countdownFor(rec fetcher.Record, now time.Time) int {
	if rec.Countdown != nil {
		return max(*rec.Countdown, 0)
	}
	remaining := rec.DrawTime.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

func (o *Orchestrator) persist(ctx context.Context, item Item) {
	if o.store == nil {
		return
	}
	rec := storage.DrawRecord{
		ItemID:     item.ItemID,
		Period:     item.Period,
		SourceType: item.SourceType,
		EndpointID: item.EndpointID,
		DrawTime:   item.DrawTime,
		Payload:    item.Payload,
		FetchedAt:  item.FetchedAt,
	}
	if err := o.store.SaveDraw(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("item", item.ItemID).Msg("failed to persist draw")
	}
}

func (o *Orchestrator) recordOutcome(sourceType string, elapsed time.Duration, err error) {
	now := o.now()
	o.stats.Compute(sourceType, func(c sourceCounters, _ bool) (sourceCounters, xsync.ComputeOp) {
		c.total++
		if err != nil {
			c.failed++
			c.lastError = err.Error()
			c.lastErrorAt = now
		} else {
			c.success++
			c.latency += elapsed
			c.lastSuccessAt = now
		}
		return c, xsync.UpdateOp
	})
}

func (o *Orchestrator) recordCacheHit(sourceType string) {
	o.stats.Compute(sourceType, func(c sourceCounters, _ bool) (sourceCounters, xsync.ComputeOp) {
		c.cacheHits++
		return c, xsync.UpdateOp
	})
}

// Stats returns per source-type counters in name order.
func (o *Orchestrator) Stats() []SourceStats {
	out := make([]SourceStats, 0, o.stats.Size())
	o.stats.Range(func(sourceType string, c sourceCounters) bool {
		s := SourceStats{
			SourceType:    sourceType,
			Total:         c.total,
			Success:       c.success,
			Failed:        c.failed,
			CacheHits:     c.cacheHits,
			SuccessRate:   decimal.Zero,
			AvgLatencyMs:  decimal.Zero,
			LastError:     c.lastError,
			LastErrorAt:   c.lastErrorAt,
			LastSuccessAt: c.lastSuccessAt,
		}
		if c.total > 0 {
			s.SuccessRate = decimal.NewFromInt(c.success).Div(decimal.NewFromInt(c.total)).Round(4)
		}
		if c.success > 0 {
			s.AvgLatencyMs = decimal.NewFromInt(c.latency.Milliseconds()).Div(decimal.NewFromInt(c.success)).Round(2)
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SourceType < out[j].SourceType })
	return out
}

// LastKnown returns the last successfully fetched record of an item.
func (o *Orchestrator) LastKnown(itemID string) (Item, bool) {
	return o.lastKnown.Get(itemID)
}

// Close releases the last-known cache.
func (o *Orchestrator) Close() {
	o.lastKnown.Close()
}

package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"drawfeed/internal/alerting"
)

const persistTimeout = 5 * time.Second

// Persister receives endpoint snapshots and switch records after they change.
// Failures are logged; the in-memory registry stays authoritative.
type Persister interface {
	SaveEndpoint(ctx context.Context, ep Endpoint) error
	SaveSwitch(ctx context.Context, entry SwitchHistoryEntry) error
}

// Options configure a Registry.
type Options struct {
	RecoveryWindow   time.Duration
	HistoryLimit     int
	ProbeConcurrency int
	Publisher        alerting.Publisher
	Persister        Persister
	Prober           Prober
	Now              func() time.Time
}

// Registry owns the endpoint pools of every source-type.
type Registry struct {
	endpoints *xsync.Map[string, Endpoint]

	// mu guards policies, current pointers and history. It is never
	// acquired from inside an endpoint Compute callback.
	mu       sync.RWMutex
	policies map[string]SourcePolicy
	current  map[string]string
	history  []SwitchHistoryEntry

	// snapshots waiting for the persister, newest per endpoint
	pending  *xsync.Map[string, Endpoint]
	flushing atomic.Bool
	flushMu  sync.Mutex

	recoveryWindow   time.Duration
	historyLimit     int
	probeConcurrency int
	publisher        alerting.Publisher
	persister        Persister
	prober           Prober
	now              func() time.Time
	logger           zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	r := &Registry{
		endpoints:        xsync.NewMap[string, Endpoint](),
		policies:         make(map[string]SourcePolicy),
		current:          make(map[string]string),
		pending:          xsync.NewMap[string, Endpoint](),
		recoveryWindow:   opts.RecoveryWindow,
		historyLimit:     opts.HistoryLimit,
		probeConcurrency: opts.ProbeConcurrency,
		publisher:        opts.Publisher,
		persister:        opts.Persister,
		prober:           opts.Prober,
		now:              opts.Now,
		logger:           logger.With().Str("component", "endpoint_registry").Logger(),
	}
	if r.recoveryWindow <= 0 {
		r.recoveryWindow = DefaultRecoveryWindow
	}
	if r.historyLimit <= 0 {
		r.historyLimit = 1000
	}
	if r.probeConcurrency <= 0 {
		r.probeConcurrency = 4
	}
	if r.publisher == nil {
		r.publisher = alerting.Discard
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// RegisterSource sets the health policy of a source-type.
func (r *Registry) RegisterSource(sourceType string, policy SourcePolicy) {
	r.mu.Lock()
	r.policies[sourceType] = policy.withDefaults()
	r.mu.Unlock()
}

// Policy returns the policy of a source-type, falling back to defaults.
func (r *Registry) Policy(sourceType string) SourcePolicy {
	r.mu.RLock()
	policy, ok := r.policies[sourceType]
	r.mu.RUnlock()
	if !ok {
		return SourcePolicy{}.withDefaults()
	}
	return policy
}

// AddEndpoint registers a new endpoint. Counters and timestamps are initialised here.
func (r *Registry) AddEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error) {
	if ep.ID == "" || ep.SourceType == "" || ep.URL == "" {
		return Endpoint{}, fmt.Errorf("endpoint: id, source type and url are required")
	}
	now := r.now()
	ep.Status = StatusActive
	ep.TotalRequests, ep.SuccessRequests, ep.FailedRequests = 0, 0, 0
	ep.ConsecutiveFailures = 0
	ep.SuccessRate, ep.AvgResponseTimeMs = 0, 0
	ep.CreatedAt, ep.UpdatedAt = now, now

	r.mu.Lock()
	_, loaded := r.endpoints.LoadOrStore(ep.ID, ep)
	r.mu.Unlock()
	if loaded {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.ID)
	}

	r.logger.Info().Str("endpoint", ep.ID).Str("source", ep.SourceType).Str("url", ep.URL).Int("priority", ep.Priority).Msg("endpoint registered")
	r.persist(ctx, ep)
	return ep, nil
}

// Restore loads a previously persisted endpoint as-is, replacing any existing record.
func (r *Registry) Restore(ep Endpoint) {
	r.endpoints.Store(ep.ID, ep)
}

// Get returns a snapshot of one endpoint.
func (r *Registry) Get(id string) (Endpoint, bool) {
	return r.endpoints.Load(id)
}

// List returns the endpoints of a source-type in ranking order. An empty
// source-type lists every endpoint.
func (r *Registry) List(sourceType string) []Endpoint {
	var out []Endpoint
	r.endpoints.Range(func(_ string, ep Endpoint) bool {
		if sourceType == "" || ep.SourceType == sourceType {
			out = append(out, ep)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceType != out[j].SourceType {
			return out[i].SourceType < out[j].SourceType
		}
		return better(out[i], out[j])
	})
	return out
}

// SourceTypes returns every source-type with at least one endpoint.
func (r *Registry) SourceTypes() []string {
	seen := make(map[string]struct{})
	r.endpoints.Range(func(_ string, ep Endpoint) bool {
		seen[ep.SourceType] = struct{}{}
		return true
	})
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Current returns the endpoint id currently selected for a source-type.
func (r *Registry) Current(sourceType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.current[sourceType]
	return id, ok
}

// SetEnabled toggles an endpoint in or out of rotation. Disabling the only
// enabled endpoint of a source-type is refused.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (Endpoint, error) {
	r.mu.Lock()
	ep, ok := r.endpoints.Load(id)
	if !ok {
		r.mu.Unlock()
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	if !enabled && ep.Enabled && r.enabledCountLocked(ep.SourceType) <= 1 {
		r.mu.Unlock()
		return Endpoint{}, fmt.Errorf("%w: %s", ErrLastEnabledEndpoint, id)
	}
	now := r.now()
	updated, _ := r.endpoints.Compute(id, func(old Endpoint, loaded bool) (Endpoint, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		old.Enabled = enabled
		old.UpdatedAt = now
		return old, xsync.UpdateOp
	})
	var entry *SwitchHistoryEntry
	if !enabled && r.current[ep.SourceType] == id {
		_, entry, _ = r.reselectLocked(ep.SourceType, TriggerManual, "endpoint "+id+" disabled", "admin")
	}
	r.mu.Unlock()

	r.logger.Info().Str("endpoint", id).Bool("enabled", enabled).Msg("endpoint toggled")
	r.persist(ctx, updated)
	r.announceSwitch(ctx, entry)
	return updated, nil
}

// DeleteEndpoint removes an endpoint unless it is the only enabled one of its source-type.
func (r *Registry) DeleteEndpoint(id string) error {
	r.mu.Lock()
	ep, ok := r.endpoints.Load(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	if ep.Enabled && r.enabledCountLocked(ep.SourceType) <= 1 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLastEnabledEndpoint, id)
	}
	r.endpoints.Delete(id)
	r.pending.Delete(id)
	var entry *SwitchHistoryEntry
	if r.current[ep.SourceType] == id {
		_, entry, _ = r.reselectLocked(ep.SourceType, TriggerManual, "endpoint "+id+" deleted", "admin")
	}
	r.mu.Unlock()

	r.logger.Info().Str("endpoint", id).Str("source", ep.SourceType).Msg("endpoint deleted")
	r.announceSwitch(context.Background(), entry)
	return nil
}

func (r *Registry) enabledCountLocked(sourceType string) int {
	count := 0
	r.endpoints.Range(func(_ string, ep Endpoint) bool {
		if ep.SourceType == sourceType && ep.Enabled {
			count++
		}
		return true
	})
	return count
}

// GetBestEndpoint returns the endpoint to use for a source-type.
//
// The cached current endpoint is kept while it is enabled and not failed.
// Otherwise enabled endpoints are ranked; when none is active or degraded,
// any enabled endpoint is returned rather than failing. Moving away from a
// previous current endpoint is recorded in the switch history.
func (r *Registry) GetBestEndpoint(sourceType string) (Endpoint, error) {
	r.mu.RLock()
	currentID, hasCurrent := r.current[sourceType]
	r.mu.RUnlock()
	if hasCurrent {
		if ep, ok := r.usable(currentID); ok {
			return ep, nil
		}
	}

	r.mu.Lock()
	// another caller may have reselected while the lock was released
	if id, ok := r.current[sourceType]; ok && id != currentID {
		if ep, ok := r.usable(id); ok {
			r.mu.Unlock()
			return ep, nil
		}
	}
	trigger, reason := TriggerHealthCheck, ""
	if id, ok := r.current[sourceType]; ok {
		if old, loaded := r.endpoints.Load(id); loaded && old.Enabled {
			reason = fmt.Sprintf("endpoint %s failed: %s", id, old.FailureReason)
		} else {
			trigger, reason = TriggerManual, "endpoint "+id+" left rotation"
		}
	}
	best, entry, ok := r.reselectLocked(sourceType, trigger, reason, "system")
	r.mu.Unlock()

	if !ok {
		r.publisher.Publish(alerting.Event{
			Kind:       alerting.KindAllDomainsFailed,
			SourceType: sourceType,
			Message:    "no enabled endpoint configured",
			OccurredAt: r.now(),
		})
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoEndpointAvailable, sourceType)
	}
	r.announceSwitch(context.Background(), entry)
	return best, nil
}

func (r *Registry) usable(id string) (Endpoint, bool) {
	ep, ok := r.endpoints.Load(id)
	if !ok || !ep.Enabled || ep.Status == StatusFailed {
		return Endpoint{}, false
	}
	return ep, true
}

// reselectLocked points sourceType at its best ranked endpoint. The returned
// entry is non-nil when that replaced a different current endpoint; it is
// already in the history and still has to be announced.
func (r *Registry) reselectLocked(sourceType string, trigger TriggerType, reason, operator string) (Endpoint, *SwitchHistoryEntry, bool) {
	oldID := r.current[sourceType]
	best, ok := r.rankLocked(sourceType, "", true)
	if !ok {
		delete(r.current, sourceType)
		return Endpoint{}, nil, false
	}
	r.current[sourceType] = best.ID
	if oldID == "" || oldID == best.ID {
		return best, nil, true
	}
	entry := SwitchHistoryEntry{
		SourceType:    sourceType,
		OldEndpointID: oldID,
		NewEndpointID: best.ID,
		Reason:        reason,
		TriggerType:   trigger,
		Operator:      operator,
		CreatedAt:     r.now(),
	}
	r.appendHistoryLocked(entry)
	return best, &entry, true
}

// announceSwitch logs, publishes and persists a switch made outside
// PerformAutoFailover and SwitchDomain.
func (r *Registry) announceSwitch(ctx context.Context, entry *SwitchHistoryEntry) {
	if entry == nil {
		return
	}
	r.logger.Warn().
		Str("source", entry.SourceType).
		Str("from", entry.OldEndpointID).
		Str("to", entry.NewEndpointID).
		Str("trigger", string(entry.TriggerType)).
		Str("reason", entry.Reason).
		Msg("endpoint reselected")
	r.publisher.Publish(alerting.Event{
		Kind:       alerting.KindDomainAutoSwitched,
		SourceType: entry.SourceType,
		EndpointID: entry.NewEndpointID,
		Message:    entry.Reason,
		Fields: map[string]string{
			"from":    entry.OldEndpointID,
			"to":      entry.NewEndpointID,
			"trigger": string(entry.TriggerType),
		},
		OccurredAt: entry.CreatedAt,
	})
	r.persistSwitch(ctx, *entry)
}

// rankLocked selects the best enabled endpoint of a source-type, skipping
// exclude. With softFallback a failed endpoint may be returned when nothing
// healthier exists.
func (r *Registry) rankLocked(sourceType, exclude string, softFallback bool) (Endpoint, bool) {
	var (
		best     Endpoint
		found    bool
		fallback Endpoint
		anyFound bool
	)
	r.endpoints.Range(func(_ string, ep Endpoint) bool {
		if ep.SourceType != sourceType || !ep.Enabled || ep.ID == exclude {
			return true
		}
		if !anyFound || ep.Priority < fallback.Priority || (ep.Priority == fallback.Priority && ep.ID < fallback.ID) {
			fallback = ep
			anyFound = true
		}
		if ep.Status == StatusFailed {
			return true
		}
		if !found || better(ep, best) {
			best = ep
			found = true
		}
		return true
	})
	if found {
		return best, true
	}
	if softFallback && anyFound {
		return fallback, true
	}
	return Endpoint{}, false
}

// RecordSuccess applies a successful request outcome to an endpoint.
func (r *Registry) RecordSuccess(_ context.Context, id string, responseTime time.Duration) (Endpoint, error) {
	ep, ok := r.endpoints.Load(id)
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	policy := r.Policy(ep.SourceType)
	now := r.now()
	rtMs := float64(responseTime) / float64(time.Millisecond)

	var previous Status
	updated, ok := r.endpoints.Compute(id, func(old Endpoint, loaded bool) (Endpoint, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		previous = old.Status
		n := float64(old.SuccessRequests)
		old.AvgResponseTimeMs = (old.AvgResponseTimeMs*n + rtMs) / (n + 1)
		old.TotalRequests++
		old.SuccessRequests++
		old.recomputeSuccessRate()
		old.ConsecutiveFailures = 0
		if responseTime > policy.DegradedThreshold {
			old.Status = StatusDegraded
		} else {
			old.Status = StatusActive
		}
		old.LastSuccessAt = now
		old.UpdatedAt = now
		return old, xsync.UpdateOp
	})
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}

	if updated.Status == StatusDegraded && previous != StatusDegraded {
		r.logger.Warn().Str("endpoint", id).Dur("response_time", responseTime).Msg("endpoint degraded")
		r.publisher.Publish(alerting.Event{
			Kind:       alerting.KindDomainPerformanceDegraded,
			SourceType: updated.SourceType,
			EndpointID: id,
			Message:    fmt.Sprintf("response time %dms exceeds %dms", responseTime.Milliseconds(), policy.DegradedThreshold.Milliseconds()),
			Fields: map[string]string{
				"url":              updated.URL,
				"response_time_ms": fmt.Sprintf("%d", responseTime.Milliseconds()),
			},
			OccurredAt: now,
		})
	}
	r.queueSnapshot(updated)
	return updated, nil
}

// RecordFailure applies a failed request outcome. When the endpoint crosses
// the failure threshold, autoSwitch is set and it is the source's current
// endpoint, an automatic failover is performed.
func (r *Registry) RecordFailure(ctx context.Context, id string, cause error, autoSwitch bool) (Endpoint, error) {
	ep, ok := r.endpoints.Load(id)
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	policy := r.Policy(ep.SourceType)
	now := r.now()
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	updated, ok := r.endpoints.Compute(id, func(old Endpoint, loaded bool) (Endpoint, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		old.TotalRequests++
		old.FailedRequests++
		old.recomputeSuccessRate()
		old.ConsecutiveFailures++
		old.LastFailureAt = now
		old.FailureReason = reason
		if old.ConsecutiveFailures >= policy.FailureThreshold {
			old.Status = StatusFailed
		}
		old.UpdatedAt = now
		return old, xsync.UpdateOp
	})
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	r.queueSnapshot(updated)

	if updated.Status != StatusFailed {
		return updated, nil
	}
	r.logger.Warn().Str("endpoint", id).Int("consecutive_failures", updated.ConsecutiveFailures).Str("reason", reason).Msg("endpoint marked failed")

	if autoSwitch {
		reasonText := fmt.Sprintf("%d consecutive failures: %s", updated.ConsecutiveFailures, reason)
		if _, err := r.PerformAutoFailover(ctx, updated, reasonText); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// PerformAutoFailover moves the source of failed to the next ranked endpoint.
// It is a no-op returning the current endpoint when failed is no longer
// current for its source.
func (r *Registry) PerformAutoFailover(ctx context.Context, failed Endpoint, reason string) (Endpoint, error) {
	now := r.now()

	r.mu.Lock()
	currentID, hasCurrent := r.current[failed.SourceType]
	if hasCurrent && currentID != failed.ID {
		current, ok := r.endpoints.Load(currentID)
		r.mu.Unlock()
		if ok {
			return current, nil
		}
		return r.GetBestEndpoint(failed.SourceType)
	}
	next, ok := r.rankLocked(failed.SourceType, failed.ID, false)
	var entry SwitchHistoryEntry
	if ok {
		entry = SwitchHistoryEntry{
			SourceType:    failed.SourceType,
			OldEndpointID: failed.ID,
			NewEndpointID: next.ID,
			Reason:        reason,
			TriggerType:   TriggerAutoFailover,
			Operator:      "system",
			CreatedAt:     now,
		}
		r.current[failed.SourceType] = next.ID
		r.appendHistoryLocked(entry)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Error().Str("source", failed.SourceType).Str("endpoint", failed.ID).Msg("no alternative endpoint for failover")
		r.publisher.Publish(alerting.Event{
			Kind:       alerting.KindAllDomainsFailed,
			SourceType: failed.SourceType,
			EndpointID: failed.ID,
			Message:    "all endpoints failed: " + reason,
			OccurredAt: now,
		})
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoEndpointAvailable, failed.SourceType)
	}

	r.logger.Warn().Str("source", failed.SourceType).Str("from", failed.ID).Str("to", next.ID).Str("reason", reason).Msg("endpoint auto switched")
	r.publisher.Publish(alerting.Event{
		Kind:       alerting.KindDomainAutoSwitched,
		SourceType: failed.SourceType,
		EndpointID: next.ID,
		Message:    reason,
		Fields: map[string]string{
			"from": failed.ID,
			"to":   next.ID,
		},
		OccurredAt: now,
	})
	r.persistSwitch(ctx, entry)
	return next, nil
}

// SwitchDomain manually makes id the current endpoint of its source-type.
func (r *Registry) SwitchDomain(ctx context.Context, id, reason, operator string) (SwitchHistoryEntry, error) {
	r.mu.Lock()
	target, ok := r.endpoints.Load(id)
	if !ok {
		r.mu.Unlock()
		return SwitchHistoryEntry{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	if !target.Enabled {
		r.mu.Unlock()
		return SwitchHistoryEntry{}, fmt.Errorf("%w: %s", ErrEndpointDisabled, id)
	}
	oldID := r.current[target.SourceType]
	if oldID == id {
		r.mu.Unlock()
		return SwitchHistoryEntry{}, fmt.Errorf("%w: %s", ErrAlreadyCurrent, id)
	}
	if operator == "" {
		operator = "admin"
	}
	entry := SwitchHistoryEntry{
		SourceType:    target.SourceType,
		OldEndpointID: oldID,
		NewEndpointID: id,
		Reason:        reason,
		TriggerType:   TriggerManual,
		Operator:      operator,
		CreatedAt:     r.now(),
	}
	r.current[target.SourceType] = id
	r.appendHistoryLocked(entry)
	r.mu.Unlock()

	r.logger.Info().Str("source", target.SourceType).Str("from", oldID).Str("to", id).Str("operator", operator).Msg("endpoint switched manually")
	r.persistSwitch(ctx, entry)
	return entry, nil
}

func (r *Registry) appendHistoryLocked(entry SwitchHistoryEntry) {
	r.history = append(r.history, entry)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

// History returns switch records newest first, optionally filtered by
// source-type. limit <= 0 returns everything retained.
func (r *Registry) History(sourceType string, limit int) []SwitchHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SwitchHistoryEntry, 0, len(r.history))
	for i := len(r.history) - 1; i >= 0; i-- {
		entry := r.history[i]
		if sourceType != "" && entry.SourceType != sourceType {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *Registry) persist(ctx context.Context, ep Endpoint) {
	if r.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.persister.SaveEndpoint(ctx, ep); err != nil {
		r.logger.Error().Err(err).Str("endpoint", ep.ID).Msg("failed to persist endpoint")
	}
}

func (r *Registry) persistSwitch(ctx context.Context, entry SwitchHistoryEntry) {
	if r.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.persister.SaveSwitch(ctx, entry); err != nil {
		r.logger.Error().Err(err).Str("source", entry.SourceType).Msg("failed to persist switch")
	}
}

// queueSnapshot hands a snapshot to a background writer so request outcomes
// never wait on the database. Snapshots queued while a write is in flight
// collapse to the newest one per endpoint.
func (r *Registry) queueSnapshot(ep Endpoint) {
	if r.persister == nil {
		return
	}
	r.pending.Compute(ep.ID, func(old Endpoint, loaded bool) (Endpoint, xsync.ComputeOp) {
		if loaded && newerSnapshot(old, ep) {
			return old, xsync.CancelOp
		}
		return ep, xsync.UpdateOp
	})
	if r.flushing.CompareAndSwap(false, true) {
		go r.flushLoop()
	}
}

func newerSnapshot(a, b Endpoint) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.TotalRequests > b.TotalRequests
}

func (r *Registry) flushLoop() {
	for {
		r.FlushSnapshots()
		r.flushing.Store(false)
		// a snapshot queued after the drain but before the flag dropped
		if r.pending.Size() == 0 || !r.flushing.CompareAndSwap(false, true) {
			return
		}
	}
}

// FlushSnapshots writes every queued endpoint snapshot before returning.
func (r *Registry) FlushSnapshots() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var ids []string
	r.pending.Range(func(id string, _ Endpoint) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		ep, ok := r.pending.LoadAndDelete(id)
		if !ok {
			continue
		}
		r.persist(context.Background(), ep)
	}
}

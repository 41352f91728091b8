package countdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the authoritative timer of one tracked item.
type State struct {
	ItemID     string    `json:"item_id"`
	Period     string    `json:"period"`
	DrawTime   time.Time `json:"draw_time"`
	Countdown  int       `json:"countdown"`
	LastUpdate time.Time `json:"last_update"`
}

// Update is an authoritative observation from a fetch.
type Update struct {
	Countdown int
	Period    string
	DrawTime  time.Time
}

// BatchMessage groups every item pushed in one tick.
type BatchMessage struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	SentAt time.Time `json:"sent_at"`
	Items  []State   `json:"items"`
}

// MessageTypeCountdown tags countdown batches on the wire.
const MessageTypeCountdown = "countdown_batch"

// Broadcaster delivers batches to subscribers.
type Broadcaster interface {
	BroadcastBatch(msg BatchMessage) error
}

// Options configure a Manager.
type Options struct {
	TickInterval time.Duration
	Broadcaster  Broadcaster
	Now          func() time.Time
}

// Manager owns per-item countdown state.
type Manager struct {
	mu     sync.Mutex
	states map[string]*State
	dirty  map[string]struct{}

	interval    time.Duration
	broadcaster Broadcaster
	now         func() time.Time
	logger      zerolog.Logger
}

// NewManager constructs an empty manager.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	m := &Manager{
		states:      make(map[string]*State),
		dirty:       make(map[string]struct{}),
		interval:    opts.TickInterval,
		broadcaster: opts.Broadcaster,
		now:         opts.Now,
		logger:      logger.With().Str("component", "countdown").Logger(),
	}
	if m.interval <= 0 {
		m.interval = time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Update applies an authoritative observation. A new item or a new period
// replaces the state; within the same period the locally ticked countdown is
// kept and the supplied value ignored.
func (m *Manager) Update(itemID string, u Update) State {
	now := m.now()
	if u.Countdown < 0 {
		u.Countdown = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[itemID]
	if ok && current.Period == u.Period {
		current.LastUpdate = now
		return *current
	}

	next := &State{
		ItemID:     itemID,
		Period:     u.Period,
		DrawTime:   u.DrawTime,
		Countdown:  u.Countdown,
		LastUpdate: now,
	}
	m.states[itemID] = next
	m.dirty[itemID] = struct{}{}
	if ok {
		m.logger.Debug().Str("item", itemID).Str("from", current.Period).Str("to", u.Period).Int("countdown", u.Countdown).Msg("period advanced")
	}
	return *next
}

// GetState returns a copy of an item's state.
func (m *Manager) GetState(itemID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[itemID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Items returns all states ordered by item id.
func (m *Manager) Items() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Reset forgets an item.
func (m *Manager) Reset(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[itemID]
	delete(m.states, itemID)
	delete(m.dirty, itemID)
	return ok
}

// Tick advances every running countdown by one second and hands the items
// due for a push to the broadcaster as one batch. The batch is returned
// even when it is empty; empty batches are not broadcast.
//
// An item reconciled since the last tick is pushed regardless of ShouldPush,
// so a new baseline such as 299 goes out once before the sparse schedule
// takes over.
func (m *Manager) Tick() BatchMessage {
	now := m.now()

	m.mu.Lock()
	items := make([]State, 0)
	for id, s := range m.states {
		_, isDirty := m.dirty[id]
		if s.Countdown > 0 {
			s.Countdown--
			if isDirty || ShouldPush(s.Countdown) {
				items = append(items, *s)
			}
		} else if isDirty {
			items = append(items, *s)
		}
	}
	clear(m.dirty)
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	msg := BatchMessage{
		Type:   MessageTypeCountdown,
		SentAt: now,
		Items:  items,
	}
	if len(items) == 0 {
		return msg
	}
	msg.ID = uuid.NewString()

	if m.broadcaster != nil {
		if err := m.broadcaster.BroadcastBatch(msg); err != nil {
			m.logger.Error().Err(err).Int("items", len(items)).Msg("failed to broadcast countdown batch")
		}
	}
	return msg
}

// Run ticks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("countdown ticker started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("countdown ticker stopping")
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
		}
	}
}

// ShouldPush reports whether a countdown value is broadcast. Values near
// zero go out every second and coarser granularity applies further away.
func ShouldPush(c int) bool {
	switch {
	case c < 10:
		return true
	case c == 10 || c == 30 || c == 60:
		return true
	case c > 60:
		return c%60 == 0
	case c > 30:
		return c%30 == 0
	default:
		return c%10 == 0
	}
}

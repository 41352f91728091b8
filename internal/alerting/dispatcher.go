package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DispatcherOptions tune event delivery.
type DispatcherOptions struct {
	Buffer    int
	Cooldown  time.Duration
	Timeout   time.Duration
	Notifiers []Notifier
}

// Dispatcher decouples event producers from notification channels.
// Publish never blocks; delivery failures are logged and dropped.
type Dispatcher struct {
	events    chan Event
	notifiers []Notifier
	cooldown  time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	dropped  int
}

// NewDispatcher builds a dispatcher. Call Run to start delivery.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		events:    make(chan Event, buffer),
		notifiers: opts.Notifiers,
		cooldown:  opts.Cooldown,
		timeout:   timeout,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
	}
}

// Publish enqueues an event, dropping it when the buffer is full.
func (d *Dispatcher) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	select {
	case d.events <- event:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn().Str("kind", string(event.Kind)).Str("source", event.SourceType).Msg("alert buffer full, event dropped")
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-d.events:
			d.deliver(ctx, event)
		}
	}
}

// Flush synchronously delivers whatever is queued. One-shot commands call it
// instead of Run before exiting.
func (d *Dispatcher) Flush(ctx context.Context) {
	for {
		select {
		case event := <-d.events:
			d.deliver(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	logEvent := d.logger.Warn()
	if event.Kind == KindAllDomainsFailed {
		logEvent = d.logger.Error()
	}
	logEvent.Str("kind", string(event.Kind)).
		Str("source", event.SourceType).
		Str("endpoint", event.EndpointID).
		Interface("fields", event.Fields).
		Msg(event.Message)

	if !d.allow(event) {
		d.logger.Debug().Str("kind", string(event.Kind)).Str("source", event.SourceType).Msg("alert suppressed by cooldown")
		return
	}

	for _, notifier := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := notifier.Notify(sendCtx, event); err != nil {
			d.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to dispatch alert")
		}
		cancel()
	}
}

func (d *Dispatcher) allow(event Event) bool {
	if d.cooldown <= 0 {
		return true
	}
	key := string(event.Kind) + "|" + event.SourceType
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

var _ Publisher = (*Dispatcher)(nil)

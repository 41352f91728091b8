package alerting

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 16)}
}

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcherDeliversAndAppliesCooldown(t *testing.T) {
	rec := newRecordingNotifier()
	d := NewDispatcher(DispatcherOptions{Cooldown: time.Hour, Notifiers: []Notifier{rec}}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Publish(Event{Kind: KindAllDomainsFailed, SourceType: "s1"})
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	// same kind and source inside the cooldown window is suppressed,
	// a different source is not
	d.Publish(Event{Kind: KindAllDomainsFailed, SourceType: "s1"})
	d.Publish(Event{Kind: KindAllDomainsFailed, SourceType: "s2"})
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("second source event was not delivered")
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestDispatcherPublishNeverBlocks(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{Buffer: 1}, testLogger())

	d.Publish(Event{Kind: KindDomainPerformanceDegraded})
	d.Publish(Event{Kind: KindDomainPerformanceDegraded})
	d.Publish(Event{Kind: KindDomainPerformanceDegraded})

	if got := d.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
}

func TestDispatcherFlushDrainsQueue(t *testing.T) {
	rec := newRecordingNotifier()
	d := NewDispatcher(DispatcherOptions{Notifiers: []Notifier{rec}}, testLogger())

	d.Publish(Event{Kind: KindDomainAutoSwitched, SourceType: "s1"})
	d.Publish(Event{Kind: KindAllDomainsFailed, SourceType: "s1"})
	d.Flush(context.Background())

	if got := rec.count(); got != 2 {
		t.Fatalf("expected 2 delivered events after flush, got %d", got)
	}
}

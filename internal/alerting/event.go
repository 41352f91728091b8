package alerting

import "time"

// Kind names an operational event raised by the acquisition core.
type Kind string

const (
	KindDomainAutoSwitched        Kind = "domain_auto_switched"
	KindAllDomainsFailed          Kind = "all_domains_failed"
	KindDomainPerformanceDegraded Kind = "domain_performance_degraded"
)

// Event carries the context of one alert-worthy condition.
type Event struct {
	Kind       Kind
	SourceType string
	EndpointID string
	Message    string
	Fields     map[string]string
	OccurredAt time.Time
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(event Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

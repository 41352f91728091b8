package endpoint

import (
	"errors"
	"time"
)

// Status is the health classification of an endpoint.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// rank orders statuses for selection; lower is preferred.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 1
	case StatusDegraded:
		return 2
	default:
		return 3
	}
}

// TriggerType names what caused an endpoint switch.
type TriggerType string

const (
	TriggerAutoFailover TriggerType = "auto_failover"
	TriggerManual       TriggerType = "manual"
	TriggerHealthCheck  TriggerType = "health_check"
)

const (
	DefaultFailureThreshold  = 3
	DefaultDegradedThreshold = 5 * time.Second
	DefaultRecoveryWindow    = 5 * time.Minute
	DefaultHealthInterval    = 5 * time.Minute
)

var (
	ErrNoEndpointAvailable = errors.New("endpoint: no endpoint available")
	ErrEndpointNotFound    = errors.New("endpoint: not found")
	ErrDuplicateEndpoint   = errors.New("endpoint: duplicate id")
	ErrEndpointDisabled    = errors.New("endpoint: target is disabled")
	ErrAlreadyCurrent      = errors.New("endpoint: target is already current")
	ErrLastEnabledEndpoint = errors.New("endpoint: refusing to remove the only enabled endpoint of its source")
)

// Endpoint is one reachable base address for a source-type.
//
// Invariants kept by the Registry:
//   - SuccessRequests + FailedRequests == TotalRequests
//   - ConsecutiveFailures is reset by every recorded success
//   - Status is failed iff ConsecutiveFailures >= the source's failure threshold
type Endpoint struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	URL        string `json:"url"`
	Priority   int    `json:"priority"`
	Status     Status `json:"status"`
	Enabled    bool   `json:"enabled"`

	TotalRequests       int64   `json:"total_requests"`
	SuccessRequests     int64   `json:"success_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseTimeMs   float64 `json:"avg_response_time_ms"`

	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (e *Endpoint) recomputeSuccessRate() {
	if e.TotalRequests == 0 {
		e.SuccessRate = 0
		return
	}
	e.SuccessRate = float64(e.SuccessRequests) / float64(e.TotalRequests)
}

// SwitchHistoryEntry is the immutable audit record of one endpoint switch.
type SwitchHistoryEntry struct {
	SourceType    string      `json:"source_type"`
	OldEndpointID string      `json:"old_endpoint_id"`
	NewEndpointID string      `json:"new_endpoint_id"`
	Reason        string      `json:"reason"`
	TriggerType   TriggerType `json:"trigger_type"`
	Operator      string      `json:"operator"`
	CreatedAt     time.Time   `json:"created_at"`
}

// SourcePolicy holds the per source-type health parameters.
type SourcePolicy struct {
	TestPath          string
	FailureThreshold  int
	DegradedThreshold time.Duration
}

func (p SourcePolicy) withDefaults() SourcePolicy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	if p.DegradedThreshold <= 0 {
		p.DegradedThreshold = DefaultDegradedThreshold
	}
	if p.TestPath == "" {
		p.TestPath = "/"
	}
	return p
}

// better reports whether a ranks ahead of b: status, then priority, then id.
func better(a, b Endpoint) bool {
	if ra, rb := a.Status.rank(), b.Status.rank(); ra != rb {
		return ra < rb
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

package service

import (
	"errors"
	"fmt"
)

// ErrCanceled marks a fetch whose caller context ended before the adapter
// answered. It says nothing about the endpoint's health.
var ErrCanceled = errors.New("fetch canceled")

// ConfigurationError reports a missing item, source or adapter mapping.
// It is not retried.
type ConfigurationError struct {
	ItemID string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error for item %q: %s: %v", e.ItemID, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error for item %q: %s", e.ItemID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SourceUnavailableError reports a failed or timed-out adapter call. It is
// recorded against the endpoint and retried on the next scheduled cycle.
type SourceUnavailableError struct {
	SourceType string
	EndpointID string
	Err        error
}

func (e *SourceUnavailableError) Error() string {
	if e.EndpointID != "" {
		return fmt.Sprintf("source %s unavailable via %s: %v", e.SourceType, e.EndpointID, e.Err)
	}
	return fmt.Sprintf("source %s unavailable: %v", e.SourceType, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// ValidationError reports a record missing required fields.
type ValidationError struct {
	SourceType string
	Field      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("source %s returned a record without %s", e.SourceType, e.Field)
}

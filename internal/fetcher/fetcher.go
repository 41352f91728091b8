package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Adapter kinds understood by Build.
const (
	KindJSON  = "json"
	KindBlock = "block"
)

var (
	ErrUnknownAdapter = errors.New("fetcher: unknown adapter")
	ErrUnknownKind    = errors.New("fetcher: unknown adapter kind")
	ErrDuplicate      = errors.New("fetcher: adapter already registered")
)

// Record is the normalised result of one fetch.
type Record struct {
	Period    string          `json:"period"`
	DrawTime  time.Time       `json:"draw_time"`
	Countdown *int            `json:"countdown,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Adapter retrieves one item from an upstream endpoint. Adapters retry
// internally; a returned error is one failed outcome.
type Adapter interface {
	Fetch(ctx context.Context, itemID, endpointURL string) (Record, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, itemID, endpointURL string) (Record, error)

// Fetch calls f.
func (f AdapterFunc) Fetch(ctx context.Context, itemID, endpointURL string) (Record, error) {
	return f(ctx, itemID, endpointURL)
}

// Set is the adapter table resolved once at startup.
type Set struct {
	adapters map[string]Adapter
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under name.
func (s *Set) Register(name string, adapter Adapter) error {
	if name == "" || adapter == nil {
		return fmt.Errorf("fetcher: name and adapter are required")
	}
	if _, ok := s.adapters[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	s.adapters[name] = adapter
	return nil
}

// Get returns the adapter registered under name.
func (s *Set) Get(name string) (Adapter, error) {
	adapter, ok := s.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return adapter, nil
}

// Names lists registered adapters.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases adapters that hold connections.
func (s *Set) Close() {
	for _, adapter := range s.adapters {
		if c, ok := adapter.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

package service

import (
	"fmt"
	"sort"
	"time"

	"drawfeed/internal/config"
	"drawfeed/internal/fetcher"
)

const (
	minSourceTimeout     = 3 * time.Second
	maxSourceTimeout     = 15 * time.Second
	defaultSourceTimeout = 10 * time.Second
)

// Source is the resolved policy of one source-type.
type Source struct {
	Type     string
	Adapter  string
	Pooled   bool
	NoCache  bool
	Interval time.Duration
	Timeout  time.Duration
	BaseURL  string
}

// Route maps an item onto its source and adapter.
type Route struct {
	ItemID     string
	SourceType string
	Adapter    string
	NoCache    bool
	CacheTTL   time.Duration
}

// Catalog is the immutable routing table built at startup.
type Catalog struct {
	sources map[string]Source
	routes  map[string]Route
}

// NewCatalog resolves items and sources from configuration and checks every
// adapter reference against the registered set.
func NewCatalog(cfg *config.Config, adapters *fetcher.Set) (*Catalog, error) {
	c := &Catalog{
		sources: make(map[string]Source, len(cfg.Sources)),
		routes:  make(map[string]Route, len(cfg.Items)),
	}
	for _, src := range cfg.Sources {
		if _, err := adapters.Get(src.Adapter); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Type, err)
		}
		c.sources[src.Type] = Source{
			Type:     src.Type,
			Adapter:  src.Adapter,
			Pooled:   src.Pooled,
			NoCache:  src.NoCache,
			Interval: src.Interval,
			Timeout:  clampTimeout(src.Timeout),
			BaseURL:  baseURL(src),
		}
	}
	for _, item := range cfg.Items {
		src, ok := c.sources[item.Source]
		if !ok {
			return nil, fmt.Errorf("item %s: unknown source %q", item.ID, item.Source)
		}
		adapter := src.Adapter
		if item.Adapter != "" {
			if _, err := adapters.Get(item.Adapter); err != nil {
				return nil, fmt.Errorf("item %s: %w", item.ID, err)
			}
			adapter = item.Adapter
		}
		c.routes[item.ID] = Route{
			ItemID:     item.ID,
			SourceType: item.Source,
			Adapter:    adapter,
			NoCache:    item.NoCache,
			CacheTTL:   item.CacheTTL,
		}
	}
	return c, nil
}

// NewStaticCatalog builds a catalog directly, for tools and tests.
func NewStaticCatalog(sources []Source, routes []Route) *Catalog {
	c := &Catalog{
		sources: make(map[string]Source, len(sources)),
		routes:  make(map[string]Route, len(routes)),
	}
	for _, src := range sources {
		src.Timeout = clampTimeout(src.Timeout)
		c.sources[src.Type] = src
	}
	for _, r := range routes {
		c.routes[r.ItemID] = r
	}
	return c
}

// baseURL is the fixed target of a non-pooled source.
func baseURL(src config.SourceConfig) string {
	if src.BaseURL != "" || len(src.Endpoints) == 0 {
		return src.BaseURL
	}
	return src.Endpoints[0].URL
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultSourceTimeout
	case d < minSourceTimeout:
		return minSourceTimeout
	case d > maxSourceTimeout:
		return maxSourceTimeout
	default:
		return d
	}
}

// Route returns the routing of an item.
func (c *Catalog) Route(itemID string) (Route, bool) {
	r, ok := c.routes[itemID]
	return r, ok
}

// Source returns a source-type policy.
func (c *Catalog) Source(sourceType string) (Source, bool) {
	s, ok := c.sources[sourceType]
	return s, ok
}

// Sources lists source-types in name order.
func (c *Catalog) Sources() []Source {
	out := make([]Source, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Items lists the item ids routed to a source-type.
func (c *Catalog) Items(sourceType string) []string {
	var out []string
	for id, r := range c.routes {
		if r.SourceType == sourceType {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

package fetcher

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"drawfeed/internal/config"
)

// Build instantiates every configured adapter. An unknown kind is a startup error.
func Build(adapters []config.AdapterConfig, timeout time.Duration, userAgent string, logger zerolog.Logger) (*Set, error) {
	set := NewSet()
	for _, ad := range adapters {
		var adapter Adapter
		switch ad.Kind {
		case KindJSON:
			adapter = NewJSON(JSONOptions{
				Path:      ad.Path,
				Retries:   ad.Retries,
				Backoff:   ad.RetryBackoff,
				Timeout:   timeout,
				UserAgent: userAgent,
			}, logger.With().Str("adapter", ad.Name).Logger())
		case KindBlock:
			adapter = NewBlock(BlockOptions{
				BlocksPerPeriod: ad.BlocksPerPeriod,
				BlockTime:       ad.BlockTime,
				Timeout:         timeout,
			}, logger.With().Str("adapter", ad.Name).Logger())
		default:
			return nil, fmt.Errorf("%w: %q (adapter %s)", ErrUnknownKind, ad.Kind, ad.Name)
		}
		if err := set.Register(ad.Name, adapter); err != nil {
			return nil, err
		}
	}
	return set, nil
}

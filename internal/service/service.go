package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"drawfeed/internal/scheduler"
	"drawfeed/internal/storage"
)

// Options tune the polling service.
type Options struct {
	AlignToStart    bool
	StartupDelay    time.Duration
	Concurrency     int
	AdvisoryLockKey int64
	Locker          storage.AdvisoryLocker
}

// Service polls every source-type on its own cadence through the orchestrator.
type Service struct {
	orchestrator *Orchestrator
	opts         Options
	logger       zerolog.Logger
}

// New constructs the polling service.
func New(orchestrator *Orchestrator, opts Options, logger zerolog.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	return &Service{
		orchestrator: orchestrator,
		opts:         opts,
		logger:       logger.With().Str("component", "service").Logger(),
	}
}

// Run starts one scheduler per source-type and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.orchestrator == nil {
		return fmt.Errorf("orchestrator not configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for _, src := range s.orchestrator.Catalog().Sources() {
		items := s.orchestrator.Catalog().Items(src.Type)
		if len(items) == 0 {
			s.logger.Warn().Str("source", src.Type).Msg("source has no items, not scheduled")
			continue
		}
		sched, err := scheduler.New(scheduler.Options{
			Name:         src.Type,
			Interval:     src.Interval,
			AlignToStart: s.opts.AlignToStart,
			StartupDelay: s.opts.StartupDelay,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("source %s: %w", src.Type, err)
		}
		sourceType := src.Type
		g.Go(func() error {
			return sched.Run(gctx, func(ctx context.Context, slot time.Time) error {
				return s.ProcessSource(ctx, sourceType, slot)
			})
		})
		started++
	}
	s.logger.Info().Int("sources", started).Msg("polling started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessSource fetches every item of a source-type once, concurrently.
func (s *Service) ProcessSource(ctx context.Context, sourceType string, slot time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx, sourceType)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Str("source", sourceType).Time("slot", slot).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	items := s.orchestrator.Catalog().Items(sourceType)
	results := make([]Result, len(items))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, itemID := range items {
		g.Go(func() error {
			results[i] = s.orchestrator.FetchItem(ctx, itemID)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	cached := 0
	for _, res := range results {
		if !res.Success {
			failed++
		} else if res.FromCache {
			cached++
		}
	}
	s.logger.Debug().Str("source", sourceType).Time("slot", slot).
		Int("items", len(items)).Int("failed", failed).Int("cached", cached).
		Msg("source cycle completed")
	if failed > 0 && failed == len(items) {
		return fmt.Errorf("all %d items of %s failed: %w", failed, sourceType, results[0].Err)
	}
	return nil
}

// acquireLock takes a per-source advisory lock so only one replica polls a source.
func (s *Service) acquireLock(ctx context.Context, sourceType string) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, lockKeyFor(s.opts.AdvisoryLockKey, sourceType))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// lockKeyFor mixes the source-type into the base key.
func lockKeyFor(base int64, sourceType string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sourceType))
	return base ^ int64(h.Sum64()>>1)
}

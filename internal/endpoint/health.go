package endpoint

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Prober performs one lightweight reachability check.
type Prober interface {
	Probe(ctx context.Context, url string) (time.Duration, error)
}

// HealthReport summarises one health-check pass.
type HealthReport struct {
	Recovered []string `json:"recovered"`
	Probed    int      `json:"probed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// RunHealthCheck re-admits failed endpoints whose last failure is older than
// the recovery window, then probes every enabled endpoint. Probe outcomes are
// recorded without automatic failover; a failed current endpoint is replaced
// by the next GetBestEndpoint call, which records the switch.
func (r *Registry) RunHealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Recovered: r.recover()}
	if r.prober == nil {
		return report
	}

	var targets []Endpoint
	r.endpoints.Range(func(_ string, ep Endpoint) bool {
		if ep.Enabled {
			targets = append(targets, ep)
		}
		return true
	})

	type outcome struct {
		ok bool
	}
	results := make([]outcome, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.probeConcurrency)
	for i, ep := range targets {
		g.Go(func() error {
			url := joinURL(ep.URL, r.Policy(ep.SourceType).TestPath)
			elapsed, err := r.prober.Probe(gctx, url)
			if err != nil {
				r.logger.Debug().Err(err).Str("endpoint", ep.ID).Str("url", url).Msg("health probe failed")
				_, _ = r.RecordFailure(ctx, ep.ID, err, false)
				return nil
			}
			_, _ = r.RecordSuccess(ctx, ep.ID, elapsed)
			results[i] = outcome{ok: true}
			return nil
		})
	}
	_ = g.Wait()

	report.Probed = len(targets)
	for _, res := range results {
		if res.ok {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	r.logger.Info().
		Int("probed", report.Probed).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Strs("recovered", report.Recovered).
		Msg("health check completed")
	return report
}

func (r *Registry) recover() []string {
	now := r.now()
	var candidates []string
	r.endpoints.Range(func(id string, ep Endpoint) bool {
		if ep.Status == StatusFailed && now.Sub(ep.LastFailureAt) > r.recoveryWindow {
			candidates = append(candidates, id)
		}
		return true
	})

	var recovered []string
	for _, id := range candidates {
		applied := false
		updated, _ := r.endpoints.Compute(id, func(old Endpoint, loaded bool) (Endpoint, xsync.ComputeOp) {
			// Re-check: a request may have landed since the scan.
			if !loaded || old.Status != StatusFailed || now.Sub(old.LastFailureAt) <= r.recoveryWindow {
				return old, xsync.CancelOp
			}
			old.ConsecutiveFailures = 0
			old.Status = StatusActive
			old.UpdatedAt = now
			applied = true
			return old, xsync.UpdateOp
		})
		if !applied {
			continue
		}
		recovered = append(recovered, id)
		r.logger.Info().Str("endpoint", id).Str("source", updated.SourceType).Msg("endpoint re-admitted after recovery window")
		r.queueSnapshot(updated)
	}
	return recovered
}

// StartHealthChecks runs RunHealthCheck every interval until ctx is done.
// Overlapping runs are skipped.
func (r *Registry) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		r.RunHealthCheck(ctx)
	}))
	c.Start()
	r.logger.Info().Dur("interval", interval).Msg("health checks scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"drawfeed/internal/service"
)

// Poll runs one acquisition cycle for every source-type, or just one, and
// prints the outcome per item. DryRun skips the database entirely.
func (a *App) Poll(ctx context.Context, opts PollOptions) error {
	if opts.DryRun {
		a.Logger.Warn().Msg("poll dry-run: nothing is written to the database")
	}
	rt, err := a.build(ctx, !opts.DryRun)
	if err != nil {
		return err
	}
	defer rt.close()
	defer rt.dispatcher.Flush(ctx)

	catalog := rt.orchestrator.Catalog()
	var sources []service.Source
	for _, src := range catalog.Sources() {
		if opts.SourceType == "" || src.Type == opts.SourceType {
			sources = append(sources, src)
		}
	}
	if len(sources) == 0 {
		return fmt.Errorf("unknown source %q", opts.SourceType)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Item\tSource\tEndpoint\tPeriod\tCountdown\tDuration\tError")
	failed := 0
	for _, src := range sources {
		for _, itemID := range catalog.Items(src.Type) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			res := rt.orchestrator.FetchItem(ctx, itemID)
			period, countdown, errMsg := "-", "-", ""
			if res.Success {
				period = res.Data.Period
				countdown = fmt.Sprintf("%ds", res.Data.Countdown)
			} else {
				failed++
				errMsg = sanitizeInline(res.Err.Error())
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				itemID, res.SourceType, res.EndpointID, period, countdown,
				res.Duration.Round(time.Millisecond), errMsg)
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	a.Logger.Info().Int("failed", failed).Msg("poll completed")
	if failed > 0 {
		return errors.New("some items failed, see output")
	}
	return nil
}

// Probe runs one health check pass over every endpoint and prints the result.
func (a *App) Probe(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	report := rt.registry.RunHealthCheck(ctx)
	a.Logger.Info().
		Int("probed", report.Probed).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Strs("recovered", report.Recovered).
		Msg("health check finished")

	return writeEndpoints(os.Stdout, rt.registry)
}

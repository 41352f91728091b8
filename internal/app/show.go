package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"drawfeed/internal/endpoint"
	"drawfeed/internal/storage"
)

// Endpoints prints the endpoint pools: persisted state when a database is
// configured, otherwise the configured seed.
func (a *App) Endpoints(ctx context.Context) error {
	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	return writeEndpoints(os.Stdout, rt.registry)
}

type endpointLister interface {
	List(sourceType string) []endpoint.Endpoint
	Current(sourceType string) (string, bool)
}

func writeEndpoints(out io.Writer, reg endpointLister) error {
	endpoints := reg.List("")
	if len(endpoints) == 0 {
		fmt.Fprintln(out, "no endpoints configured")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tID\tPriority\tStatus\tEnabled\tCurrent\tSuccess%\tAvg ms\tFailures\tURL")
	for _, ep := range endpoints {
		current, _ := reg.Current(ep.SourceType)
		marker := ""
		if current == ep.ID {
			marker = "*"
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%t\t%s\t%s\t%s\t%d\t%s\n",
			ep.SourceType,
			ep.ID,
			ep.Priority,
			ep.Status,
			ep.Enabled,
			marker,
			formatDecimal(decimal.NewFromFloat(ep.SuccessRate*100), 2),
			formatDecimal(decimal.NewFromFloat(ep.AvgResponseTimeMs), 1),
			ep.ConsecutiveFailures,
			ep.URL,
		)
	}
	return writer.Flush()
}

// History prints recent endpoint switches from the database.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show switch history")
	}
	defer store.Close()

	entries, err := store.ListSwitches(ctx, opts.SourceType, opts.Limit)
	if err != nil {
		return err
	}
	return writeHistory(os.Stdout, entries)
}

func writeHistory(out io.Writer, entries []endpoint.SwitchHistoryEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no switches recorded")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tFrom\tTo\tTrigger\tOperator\tReason")
	for _, e := range entries {
		from := e.OldEndpointID
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.SourceType,
			from,
			e.NewEndpointID,
			e.TriggerType,
			e.Operator,
			sanitizeInline(e.Reason),
		)
	}
	return writer.Flush()
}

// Draws prints the most recent persisted draws of an item.
func (a *App) Draws(ctx context.Context, itemID string, limit int) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show draws")
	}
	defer store.Close()

	draws, err := store.ListRecentDraws(ctx, itemID, limit)
	if err != nil {
		return err
	}
	return writeDraws(os.Stdout, draws)
}

func writeDraws(out io.Writer, draws []storage.DrawRecord) error {
	if len(draws) == 0 {
		fmt.Fprintln(out, "no draws found")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Period\tDraw time (UTC)\tFetched (UTC)\tSource\tEndpoint")
	for _, d := range draws {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			d.Period,
			d.DrawTime.UTC().Format(time.RFC3339),
			d.FetchedAt.UTC().Format(time.RFC3339),
			d.SourceType,
			d.EndpointID,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

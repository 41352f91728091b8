package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"drawfeed/internal/storage"
)

const defaultExportPoints = 500

// drawPoint is one exported draw with the gap to its predecessor.
type drawPoint struct {
	storage.DrawRecord
	IntervalSec decimal.Decimal
	LeadSec     decimal.Decimal
}

// Export renders persisted draws of an item as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ItemID == "" {
		return errors.New("--item is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultExportPoints
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	draws, err := store.ListDrawsBetween(ctx, opts.ItemID, from, to)
	if err != nil {
		return err
	}
	if len(draws) == 0 {
		a.Logger.Info().Str("item", opts.ItemID).Msg("no draws found for export window")
		return nil
	}

	points := downsample(toPoints(draws), opts.MaxPoints)
	a.Logger.Info().Str("item", opts.ItemID).Int("total", len(draws)).Int("exported", len(points)).Msg("exporting draws")

	if opts.CSVPath != "" {
		if err := writeDrawsCSV(opts.CSVPath, points); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeDrawsPNG(opts.PNGPath, points, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
			return err
		}
	}
	return nil
}

// toPoints derives the draw cadence and how far ahead of the draw each record was fetched.
func toPoints(draws []storage.DrawRecord) []drawPoint {
	points := make([]drawPoint, len(draws))
	for i, d := range draws {
		p := drawPoint{
			DrawRecord:  d,
			IntervalSec: decimal.Zero,
			LeadSec:     decimal.NewFromFloat(d.DrawTime.Sub(d.FetchedAt).Seconds()).Round(3),
		}
		if i > 0 {
			p.IntervalSec = decimal.NewFromFloat(d.DrawTime.Sub(draws[i-1].DrawTime).Seconds()).Round(3)
		}
		points[i] = p
	}
	return points
}

func downsample(points []drawPoint, max int) []drawPoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]drawPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeDrawsCSV(path string, points []drawPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"item_id", "period", "draw_time", "fetched_at", "source_type", "endpoint_id", "interval_sec", "lead_sec"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			p.ItemID,
			p.Period,
			p.DrawTime.UTC().Format(time.RFC3339),
			p.FetchedAt.UTC().Format(time.RFC3339),
			p.SourceType,
			p.EndpointID,
			formatDecimal(p.IntervalSec, 3),
			formatDecimal(p.LeadSec, 3),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeDrawsPNG(path string, points []drawPoint, width, height int) error {
	if len(points) < 2 {
		return errors.New("at least two draws are required to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	x := make([]time.Time, len(points))
	interval := make([]float64, len(points))
	lead := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.DrawTime
		interval[i] = p.IntervalSec.InexactFloat64()
		lead[i] = p.LeadSec.InexactFloat64()
	}

	secondsFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Draw interval (s)",
			ValueFormatter: secondsFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Fetch lead (s)",
			ValueFormatter: secondsFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Interval",
				XValues: x[1:],
				YValues: interval[1:],
			},
			chart.TimeSeries{
				Name:    "Lead",
				XValues: x,
				YValues: lead,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

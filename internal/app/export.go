package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"campaign-loop/internal/campaign"
)

// exportRow is one metric observation taken from the ledger.
type exportRow struct {
	At      time.Time
	Record  campaign.FeedbackRecord
	Metrics campaign.MetricSample
}

// Export renders ledger performance history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rt, err := a.persistent(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.ledger.Between(ctx, from, to)
	if err != nil {
		return err
	}
	series := groupRows(records)
	if len(series) == 0 {
		a.Logger.Info().Msg("no metrics found for export window")
		return nil
	}

	total, exported := 0, 0
	for id, rows := range series {
		total += len(rows)
		series[id] = downsampleRows(rows, opts.MaxPoints)
		exported += len(series[id])
	}
	a.Logger.Info().Int("campaigns", len(series)).Int("total", total).Int("exported", exported).Msg("exporting ledger metrics")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

// groupRows keeps records that carry metrics, grouped by campaign in time order.
func groupRows(records []campaign.FeedbackRecord) map[string][]exportRow {
	series := make(map[string][]exportRow)
	for _, rec := range records {
		if rec.Metrics == nil {
			continue
		}
		series[rec.CampaignID] = append(series[rec.CampaignID], exportRow{
			At:      rec.Metrics.Timestamp,
			Record:  rec,
			Metrics: *rec.Metrics,
		})
	}
	for _, rows := range series {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].At.Before(rows[j].At) })
	}
	return series
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func sortedCampaigns(series map[string][]exportRow) []string {
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func writeRowsCSV(path string, series map[string][]exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"timestamp", "campaign_id", "cycle_id", "impressions", "clicks", "conversions", "spend", "revenue", "roas", "cpa", "action", "budget_delta", "outcome"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, id := range sortedCampaigns(series) {
		for _, row := range series[id] {
			action, delta := "", ""
			if row.Record.Decision != nil {
				action = string(row.Record.Decision.Action)
				delta = row.Record.Decision.BudgetDelta.String()
			}
			m := row.Metrics
			record := []string{
				row.At.UTC().Format(time.RFC3339),
				id,
				row.Record.CycleID,
				strconv.FormatInt(m.Impressions, 10),
				strconv.FormatInt(m.Clicks, 10),
				strconv.FormatInt(m.Conversions, 10),
				m.Spend.String(),
				m.Revenue.String(),
				m.ROAS.String(),
				m.CPA.String(),
				action,
				delta,
				string(row.Record.Outcome),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(path string, series map[string][]exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var plotted []chart.Series
	for _, id := range sortedCampaigns(series) {
		rows := series[id]
		if len(rows) < 2 {
			continue
		}
		x := make([]time.Time, len(rows))
		roas := make([]float64, len(rows))
		spend := make([]float64, len(rows))
		for i, row := range rows {
			x[i] = row.At
			roas[i] = row.Metrics.ROAS.InexactFloat64()
			spend[i] = row.Metrics.Spend.InexactFloat64()
		}
		plotted = append(plotted,
			chart.TimeSeries{Name: id + " ROAS", XValues: x, YValues: roas},
			chart.TimeSeries{Name: id + " spend", XValues: x, YValues: spend, YAxis: chart.YAxisSecondary},
		)
	}
	if len(plotted) == 0 {
		return errors.New("need at least two samples per campaign to chart")
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "ROAS",
			ValueFormatter: formatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Spend",
			ValueFormatter: formatter,
		},
		Series: plotted,
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

package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"payrelay/internal/storage"
)

// defaultExportWindow is used when --from is omitted.
const defaultExportWindow = 30 * 24 * time.Hour

// Export renders payout batches as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	batches, err := store.ListBatchesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	batches = filterBatches(batches, opts.Status, opts.RecipientID)
	if len(batches) == 0 {
		a.Logger.Info().Msg("no batches found for export window")
		return nil
	}

	downsampled := downsampleBatches(batches, opts.MaxPoints)
	a.Logger.Info().Int("total", len(batches)).Int("exported", len(downsampled)).Msg("exporting batches")

	if opts.CSVPath != "" {
		if err := writeBatchesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeBatchesPNG(opts.PNGPath, batches); err != nil {
			return err
		}
	}

	return nil
}

func filterBatches(batches []storage.PayoutBatch, status storage.BatchStatus, recipientID int64) []storage.PayoutBatch {
	if status == "" && recipientID == 0 {
		return batches
	}
	kept := batches[:0:0]
	for _, b := range batches {
		if status != "" && b.Status != status {
			continue
		}
		if recipientID != 0 && b.RecipientID != recipientID {
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

func downsampleBatches(batches []storage.PayoutBatch, max int) []storage.PayoutBatch {
	if max <= 0 || len(batches) <= max {
		return batches
	}
	if max == 1 {
		return batches[:1]
	}

	result := make([]storage.PayoutBatch, 0, max)
	step := float64(len(batches)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(batches) {
			idx = len(batches) - 1
		}
		result = append(result, batches[idx])
	}
	return result
}

func writeBatchesCSV(path string, batches []storage.PayoutBatch) error {
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

	header := []string{"created_at", "batch_id", "recipient_id", "amount_usd", "fragment_count", "payout_currency", "payout_network", "status", "completed_at", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, b := range batches {
		errMsg := ""
		if b.Error != nil {
			errMsg = *b.Error
		}
		completed := ""
		if b.CompletedAt != nil {
			completed = b.CompletedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			b.CreatedAt.UTC().Format(time.RFC3339),
			b.ID.String(),
			strconv.FormatInt(b.RecipientID, 10),
			b.AmountUSD.String(),
			strconv.Itoa(b.FragmentCount),
			b.PayoutCurrency,
			b.PayoutNetwork,
			string(b.Status),
			completed,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// payoutSeries splits batches into per-batch amounts and the running total
// of completed payouts.
func payoutSeries(batches []storage.PayoutBatch) (x []time.Time, amount, paid []float64) {
	x = make([]time.Time, len(batches))
	amount = make([]float64, len(batches))
	paid = make([]float64, len(batches))

	total := decimal.Zero
	for i, b := range batches {
		x[i] = b.CreatedAt
		amount[i] = b.AmountUSD.InexactFloat64()
		if b.Status == storage.BatchCompleted {
			total = total.Add(b.AmountUSD)
		}
		paid[i] = total.InexactFloat64()
	}
	return x, amount, paid
}

func writeBatchesPNG(path string, batches []storage.PayoutBatch) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x, amount, paid := payoutSeries(batches)

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Batch (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Paid out (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Batch amount",
				XValues: x,
				YValues: amount,
			},
			chart.TimeSeries{
				Name:    "Cumulative paid",
				XValues: x,
				YValues: paid,
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

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"payrelay/internal/app"
	"payrelay/internal/storage"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportStatus    string
	exportRecipient int64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export payout batches as CSV and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:     exportPNGPath,
			CSVPath:     exportCSVPath,
			MaxPoints:   exportMaxPoints,
			RecipientID: exportRecipient,
		}

		switch status := storage.BatchStatus(exportStatus); status {
		case "", storage.BatchPending, storage.BatchProcessing, storage.BatchCompleted, storage.BatchFailed:
			opts.Status = status
		default:
			return fmt.Errorf("invalid --status %q", exportStatus)
		}

		var err error
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 timestamps or bare UTC dates.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, value)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum batches to export (defaults to config)")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "Only export batches in this status")
	exportCmd.Flags().Int64Var(&exportRecipient, "recipient", 0, "Only export batches for this recipient id")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"payrelay/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent batches, failures, queues or the wallet",
}

func showOptions() (app.ShowOptions, error) {
	if showLimit <= 0 {
		return app.ShowOptions{}, fmt.Errorf("--limit must be greater than zero")
	}
	return app.ShowOptions{Limit: showLimit}, nil
}

var showBatchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Display recent payout batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := showOptions()
		if err != nil {
			return err
		}
		return getApp().ShowBatches(cmd.Context(), opts)
	},
}

var showFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Display recent terminal saga failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := showOptions()
		if err != nil {
			return err
		}
		return getApp().ShowFailures(cmd.Context(), opts)
	},
}

var showQueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Display open and dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := showOptions()
		if err != nil {
			return err
		}
		return getApp().ShowQueues(cmd.Context(), opts)
	},
}

var showWalletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Display host wallet balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowWallet(cmd.Context())
	},
}

func init() {
	showCmd.PersistentFlags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.AddCommand(showBatchesCmd, showFailuresCmd, showQueuesCmd, showWalletCmd)
}

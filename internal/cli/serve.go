package cli

import (
	"github.com/spf13/cobra"

	"payrelay/internal/app"
)

var (
	serveDispatcher bool
	serveScheduler  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the intake and saga stage endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context(), app.ServeOptions{
			Dispatcher: serveDispatcher,
			Scheduler:  serveScheduler,
		})
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver queued tasks to their stage endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Dispatch(cmd.Context())
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one batch engine pass over recipients past their threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunBatch(cmd.Context(), cmd.OutOrStdout())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDispatcher, "dispatcher", true, "Also run the queue dispatcher in this process")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", true, "Also run the batch scheduler in this process")
}

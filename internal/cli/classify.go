package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

var classifyList bool

var classifyCmd = &cobra.Command{
	Use:   "classify [message]",
	Short: "Classify an error message into a retry category",
	RunE: func(cmd *cobra.Command, args []string) error {
		if classifyList {
			return getApp().ListCodes(cmd.OutOrStdout())
		}
		if len(args) == 0 {
			return errors.New("a message or --list is required")
		}
		return getApp().Classify(cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyList, "list", false, "List every registered error code")
}

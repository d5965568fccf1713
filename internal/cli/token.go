package cli

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"payrelay/internal/app"
)

var (
	tokenKind  string
	tokenQueue string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect or mint signed saga tokens",
}

var tokenDecodeCmd = &cobra.Command{
	Use:   "decode [token]",
	Short: "Verify a token and print its fields; reads stdin when no argument is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		return getApp().DecodeToken(cmd.OutOrStdout(), tokenKind, raw)
	},
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue [payload-json]",
	Short: "Sign a payload as a first-attempt token and print or enqueue it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		return getApp().IssueToken(cmd.Context(), cmd.OutOrStdout(), app.IssueOptions{
			Kind:  tokenKind,
			JSON:  payload,
			Queue: tokenQueue,
		})
	},
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", errors.New("no input given")
	}
	return v, nil
}

func init() {
	tokenCmd.PersistentFlags().StringVar(&tokenKind, "kind", "transfer", "Token kind: notice, transfer or batch")
	tokenIssueCmd.Flags().StringVar(&tokenQueue, "enqueue", "", "Queue to enqueue the token on instead of printing it")
	tokenCmd.AddCommand(tokenDecodeCmd, tokenIssueCmd)
}

package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"payrelay/internal/app"
)

var (
	simulateStage   string
	simulateCode    string
	simulateMessage string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次 saga 终态失败并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateStage == "" || simulateCode == "" {
			return errors.New("--stage 与 --code 不能为空")
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Stage:   simulateStage,
			Code:    simulateCode,
			Message: simulateMessage,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateStage, "stage", "payment", "失败的 saga 阶段")
	simulateCmd.Flags().StringVar(&simulateCode, "code", "INSUFFICIENT_FUNDS", "分类错误码")
	simulateCmd.Flags().StringVar(&simulateMessage, "message", "", "错误信息（默认使用错误码描述）")
}

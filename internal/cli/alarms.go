package cli

import (
	"github.com/spf13/cobra"

	"rate-alarms/internal/app"
)

var (
	alarmToken  string
	alarmAdd    app.AddAlarmOptions
	deleteAsset string
	deleteKind  string
	deleteProf  string
	syncFile    string
	statsAsJSON bool
)

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Manage stored alarms",
}

var alarmsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the alarms of a device token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlarms(cmd.Context(), alarmToken)
	},
}

var alarmsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create one alarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		alarmAdd.Token = alarmToken
		return getApp().AddAlarm(cmd.Context(), alarmAdd)
	},
}

var alarmsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete one alarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeleteAlarm(cmd.Context(), alarmToken, deleteAsset, deleteKind, deleteProf)
	},
}

var alarmsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every alarm of a device token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ClearAlarms(cmd.Context(), alarmToken)
	},
}

var alarmsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replace the alarms of a device token with a JSON array",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SyncAlarms(cmd.Context(), alarmToken, syncFile)
	},
}

var alarmsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate alarm counts and the last cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AlarmStats(cmd.Context(), statsAsJSON)
	},
}

func init() {
	for _, c := range []*cobra.Command{alarmsListCmd, alarmsAddCmd, alarmsDeleteCmd, alarmsClearCmd, alarmsSyncCmd} {
		c.Flags().StringVar(&alarmToken, "token", "", "Device token")
		_ = c.MarkFlagRequired("token")
	}

	alarmsAddCmd.Flags().StringVar(&alarmAdd.AssetCode, "asset", "", "Asset code, e.g. USD or GRAM")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Kind, "type", "HIGH", "HIGH or LOW")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Profile, "profile", "raw", "Price profile (raw or jeweler)")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Mode, "mode", "PRICE", "PRICE or PERCENT")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Target, "target", "", "Target price for PRICE alarms")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Start, "start", "", "Start price for PERCENT alarms")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Percent, "percent", "", "Percent move for PERCENT alarms")
	alarmsAddCmd.Flags().StringVar(&alarmAdd.Direction, "direction", "UP", "UP or DOWN for PERCENT alarms")
	_ = alarmsAddCmd.MarkFlagRequired("asset")

	alarmsDeleteCmd.Flags().StringVar(&deleteAsset, "asset", "", "Asset code")
	alarmsDeleteCmd.Flags().StringVar(&deleteKind, "type", "", "HIGH or LOW")
	alarmsDeleteCmd.Flags().StringVar(&deleteProf, "profile", "raw", "Price profile (raw or jeweler)")
	_ = alarmsDeleteCmd.MarkFlagRequired("asset")
	_ = alarmsDeleteCmd.MarkFlagRequired("type")

	alarmsSyncCmd.Flags().StringVar(&syncFile, "file", "-", "JSON array of alarms; - reads stdin")

	alarmsStatsCmd.Flags().BoolVar(&statsAsJSON, "json", false, "Print as JSON")

	alarmsCmd.AddCommand(alarmsListCmd, alarmsAddCmd, alarmsDeleteCmd, alarmsClearCmd, alarmsSyncCmd, alarmsStatsCmd)
}

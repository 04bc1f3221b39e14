package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/signals-back/internal/app"
	"github.com/signals-back/pkg/logger"
)

// scanCmd runs one candidate scan and dispatch cycle, then exits.
// Useful for cron-style deployments and manual reruns.
var scanCmd = &cobra.Command{
	Use:     "scan",
	Aliases: []string{"signal"},
	Short:   "Run a single signal scan",
	Long: `Gather candidates, analyze them and emit signals once, outside
the built-in schedule.

Examples:
  signals-back scan
  signals-back scan --log-level debug`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadAppConfig()
	if err != nil {
		return err
	}

	log, _ := logger.New(&cfg.Logging)

	application := app.New(cfg, log)
	if err := application.Initialize(); err != nil {
		return err
	}
	defer application.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	return application.RunScanOnce(ctx)
}

package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/signals-back/internal/app"
	"github.com/signals-back/pkg/logger"
)

// evaluateCmd runs one performance evaluation batch, then exits
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run a single evaluation batch",
	Long: `Re-check open signals against fresh bars once, resolving any
that crossed a target or stop, and drain the admin-notify queue.

Examples:
  signals-back evaluate`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resolved, err := application.RunEvaluateOnce(ctx)
	if err != nil {
		return err
	}

	log.WithField("resolved", resolved).Info("Evaluation batch finished")
	return nil
}

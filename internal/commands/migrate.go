package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/signals-back/internal/database"
	"github.com/signals-back/pkg/logger"
)

// migrateCmd creates or upgrades the MySQL schema and exits
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize the database schema",
	Long: `Create the MySQL tables the backend needs.

All statements are idempotent, so this is safe to run against an
existing database.

Examples:
  signals-back migrate`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadAppConfig()
	if err != nil {
		return err
	}

	log, _ := logger.New(&cfg.Logging)

	db, err := database.NewMySQLClient(&cfg.MySQL, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	log.Info("Schema initialized")
	return nil
}

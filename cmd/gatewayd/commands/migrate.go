package commands

import (
	"github.com/spf13/cobra"

	"github.com/coinwifi/gateway/config"
	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/logger"
)

// MigrateCmd applies pending schema migrations and exits.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	conn, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	if err := db.Migrate(conn, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to apply migrations")
	}
	logger.Infow("migrations applied", "path", cfg.Database.Path)
	return nil
}

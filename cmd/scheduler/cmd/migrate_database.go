package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/batchflow/internal/common/database"
	"github.com/G-Research/batchflow/internal/store"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the postgres database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning database migration")
	ctx := context.Background()
	db, err := database.OpenPgxPool(ctx, config.Database.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = store.Migrate(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate database")
	}
	taken := time.Now().Sub(start)
	log.Infof("Database migrated in %s", taken)
	return nil
}

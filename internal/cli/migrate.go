package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"iam-advisor/internal/database"
)

const versionFlag = "version"

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations",
		Long:  `The migrate command is used to migrate the datastore schema to a version, or to the latest one.`,
		RunE:  runMigration,
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()

	flags.Int64(versionFlag, 0, "the version to migrate to (if omitted the latest schema will be used)")

	cmd.PreRun = func(command *cobra.Command, _ []string) {
		bindPersistentFlags(command)
		MustBindPFlag(versionFlag, flags.Lookup(versionFlag))
	}

	return cmd
}

func runMigration(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	targetVersion := viper.GetInt64(versionFlag)

	db, err := database.New(cfg.Datastore.URI, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open a connection to the datastore: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx, targetVersion); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := db.Version(ctx)
	if err != nil {
		return err
	}
	log.Info("migration done", zap.Int64("version", version))

	return nil
}

func NewDropDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop-db",
		Short: "Drop every table of the datastore",
		RunE:  runDropDB,
		Args:  cobra.NoArgs,
	}

	cmd.PreRun = func(command *cobra.Command, _ []string) {
		bindPersistentFlags(command)
	}

	return cmd
}

func runDropDB(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := database.New(cfg.Datastore.URI, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open a connection to the datastore: %w", err)
	}
	defer db.Close()

	if err := db.DropAll(cmd.Context()); err != nil {
		return fmt.Errorf("failed to drop datastore: %w", err)
	}
	log.Info("datastore dropped", zap.String("uri", cfg.Datastore.URI))

	return nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"iam-advisor/internal/awsclient"
	"iam-advisor/internal/config"
	"iam-advisor/internal/database"
	"iam-advisor/internal/directory"
	"iam-advisor/internal/discovery"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
	"iam-advisor/internal/ratelimit"
	"iam-advisor/internal/retriever/accessadvisor"
	"iam-advisor/internal/worker"
)

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// bindPersistentFlags binds the root flags every command shares.
func bindPersistentFlags(command *cobra.Command) {
	flags := command.Flags()

	MustBindPFlag("log.format", flags.Lookup(logFormatFlag))
	MustBindPFlag("log.level", flags.Lookup(logLevelFlag))
	MustBindPFlag("datastore.uri", flags.Lookup(datastoreURIFlag))
}

// loadConfig reads and validates the configuration, and builds the logger
// it asks for.
func loadConfig() (*config.Config, *logger.ZapLogger, error) {
	cfg := config.FromViper(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openDatastore connects to the datastore and brings its schema up to date.
func openDatastore(ctx context.Context, cfg *config.Config, log logger.Logger, reg prometheus.Registerer) (*database.DB, error) {
	opts := []database.Option{database.WithLogger(log)}
	if cfg.Datastore.Metrics && reg != nil {
		opts = append(opts, database.WithMetrics(reg))
	}

	db, err := database.New(cfg.Datastore.URI, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	if err := db.Migrate(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// newRunner wires the account directory, the per-account IAM clients and the
// access advisor retriever into a Runner writing to sink.
func newRunner(ctx context.Context, cfg *config.Config, log logger.Logger, sink worker.Sink, reg prometheus.Registerer, observer func(models.RunEvent)) (*worker.Runner, error) {
	awsCfg, err := awsclient.LoadBaseConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	dir, err := directory.NewFromConfig(cfg.Directory, awsCfg, directory.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if !dir.Configured() {
		log.Warn("no account directory configured, only account ids and arns can be updated")
	}

	limiter := ratelimit.New(cfg.AWS.RequestsPerSecond, cfg.AWS.Burst)
	clients := awsclient.NewFactory(awsCfg, cfg.AWS, limiter, log)

	resolver := discovery.NewResolver(dir,
		discovery.WithFilter(cfg.Directory.Filter),
		discovery.WithServiceRequirement(cfg.Directory.ServiceEnabledRequirement),
		discovery.WithResolverLogger(log),
	)

	opts := []worker.Option{
		worker.WithLogger(log),
		worker.WithMetrics(worker.NewMetrics(reg)),
	}
	if observer != nil {
		opts = append(opts, worker.WithObserver(observer))
	}
	runner := worker.New(worker.Config{Workers: cfg.Updater.NumWorkers},
		resolver, discovery.NewEnumerator(clients, log), sink, opts...)

	runner.RegisterRetriever(accessadvisor.New(clients,
		accessadvisor.WithMaxAttempts(cfg.Updater.MaxPollAttempts),
		accessadvisor.WithBackoffUnit(cfg.Updater.PollBackoffUnit),
		accessadvisor.WithLogger(log),
	))

	log.Debug("runner ready",
		zap.Int("workers", cfg.Updater.NumWorkers),
		zap.String("role", cfg.AWS.RoleName),
		zap.String("directory", cfg.Directory.Type))
	return runner, nil
}

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"iam-advisor/internal/config"
)

const (
	accountsFlag   = "accounts"
	arnsFlag       = "arns"
	numWorkersFlag = "num-workers"
)

func NewUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Collect access advisor data for accounts or identities",
		Long: `The update command collects access advisor data and stores it in the datastore.
With --arns only the given identities are updated. Otherwise the identities of the
given accounts (ids, names or aliases, or "all") are enumerated and updated; with
neither flag every account in the directory is updated.`,
		RunE: runUpdate,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()

	flags.StringSlice(accountsFlag, nil, "account ids, names or aliases to update")
	flags.StringSlice(arnsFlag, nil, "identity ARNs to update, skipping account discovery")
	flags.Int(numWorkersFlag, config.DefaultNumWorkers, "the number of workers in each stage")

	cmd.PreRun = func(command *cobra.Command, _ []string) {
		bindPersistentFlags(command)
		MustBindPFlag("updater.num_workers", flags.Lookup(numWorkersFlag))
	}

	return cmd
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	accounts, _ := cmd.Flags().GetStringSlice(accountsFlag)
	arns, _ := cmd.Flags().GetStringSlice(arnsFlag)

	db, err := openDatastore(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	runner, err := newRunner(ctx, cfg, log, db, prometheus.NewRegistry(), nil)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigs:
			log.Warn("received signal, cancelling update", zap.String("signal", sig.String()))
			runner.Cancel()
		case <-done:
		}
	}()

	if err := runner.Run(ctx, accounts, arns); err != nil {
		return err
	}

	stats := runner.Stats()
	failed := runner.FailedARNs()
	for _, arn := range failed {
		log.Warn("failed to update identity", zap.String("arn", arn))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "updated %d of %d identities in %d accounts, %d failed\n",
		stats.Stored, stats.ARNs, stats.Accounts, len(failed))
	return nil
}

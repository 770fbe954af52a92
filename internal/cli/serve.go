package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"iam-advisor/internal/api"
	"iam-advisor/internal/config"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/ratelimit"
	"iam-advisor/internal/websocket"
	"iam-advisor/internal/worker"
)

const (
	httpAddrFlag = "http-addr"
	intervalFlag = "interval"

	shutdownTimeout = 10 * time.Second
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored access advisor data over HTTP",
		Long: `The serve command starts the query API. When an interval is set it also
updates every account in the directory on that interval.`,
		RunE: runServe,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()

	flags.String(httpAddrFlag, config.DefaultHTTPAddr, "the address the query API listens on")
	flags.Duration(intervalFlag, 0, "update all accounts on this interval (0 disables updates)")
	flags.Int(numWorkersFlag, config.DefaultNumWorkers, "the number of workers in each stage")

	cmd.PreRun = func(command *cobra.Command, _ []string) {
		bindPersistentFlags(command)
		MustBindPFlag("http.addr", flags.Lookup(httpAddrFlag))
		MustBindPFlag("updater.interval", flags.Lookup(intervalFlag))
		MustBindPFlag("updater.num_workers", flags.Lookup(numWorkersFlag))
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := openDatastore(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer db.Close()

	manager := websocket.New(log)
	server := api.NewServer(db, manager,
		api.WithLogger(log),
		api.WithGatherer(reg),
		api.WithRateLimiter(ratelimit.PerMinute(cfg.HTTP.RequestsPerMinute)),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("query API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Updater.Interval > 0 {
		runner, err := newRunner(ctx, cfg, log, db, reg, manager.Publish)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			return updateEvery(ctx, runner, cfg.Updater.Interval, log)
		})
	}

	return g.Wait()
}

// updateEvery runs a full update right away and then once per interval
// until ctx is done. A failed run is logged and retried on the next tick.
func updateEvery(ctx context.Context, runner *worker.Runner, interval time.Duration, log logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := runner.Run(ctx, nil, nil)
		switch {
		case errors.Is(err, worker.ErrCancelled) && ctx.Err() != nil:
			return nil
		case err != nil:
			log.Error("scheduled update failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gopkg.in/yaml.v3"

	"iam-advisor/internal/config"
	"iam-advisor/internal/database"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/mocks"
	"iam-advisor/internal/models"
	"iam-advisor/internal/retriever"
	"iam-advisor/internal/worker"
)

// prepareTempConfigDir isolates a test from config files on the host and
// from viper state left by other tests.
func prepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/iam-advisor/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/iam-advisor/config.yaml would disturb test result.")

	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func prepareTempConfigFile(t *testing.T, content string) string {
	dir := prepareTempConfigDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func execute(t *testing.T, sub *cobra.Command, args ...string) error {
	t.Helper()
	root := NewRootCommand()
	root.AddCommand(sub)
	root.SetArgs(args)
	root.SetOut(&discard{})
	return root.Execute()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestUpdateCommandNoConfigDefaultValues(t *testing.T) {
	prepareTempConfigDir(t)

	updateCmd := NewUpdateCommand()
	updateCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg := config.FromViper(viper.GetViper())
		require.Equal(t, config.Default(), cfg)

		accounts, _ := cmd.Flags().GetStringSlice(accountsFlag)
		require.Empty(t, accounts)
		return nil
	}

	require.NoError(t, execute(t, updateCmd, "update"))
}

func TestUpdateCommandConfigFileValuesAreParsed(t *testing.T) {
	prepareTempConfigFile(t, `aws:
    rolename: Collector
directory:
    type: file
    path: /srv/accounts.json
    filter: "[?environment=='prod']"
datastore:
    uri: /var/lib/advisor.db
updater:
    num_workers: 3
    poll_backoff_unit: 2s
`)

	updateCmd := NewUpdateCommand()
	updateCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg := config.FromViper(viper.GetViper())
		require.Equal(t, "Collector", cfg.AWS.RoleName)
		require.Equal(t, "file", cfg.Directory.Type)
		require.Equal(t, "/srv/accounts.json", cfg.Directory.Path)
		require.Equal(t, "[?environment=='prod']", cfg.Directory.Filter)
		require.Equal(t, "/var/lib/advisor.db", cfg.Datastore.URI)
		require.Equal(t, 3, cfg.Updater.NumWorkers)
		require.Equal(t, 2*time.Second, cfg.Updater.PollBackoffUnit)
		require.Equal(t, config.DefaultMaxPollAttempts, cfg.Updater.MaxPollAttempts)
		return nil
	}

	require.NoError(t, execute(t, updateCmd, "update"))
}

func TestUpdateCommandPrecedence(t *testing.T) {
	prepareTempConfigFile(t, `updater:
    num_workers: 3
`)
	t.Setenv("ADVISOR_UPDATER_NUM_WORKERS", "7")
	t.Setenv("ADVISOR_DATASTORE_URI", "env.db")

	t.Run("env_over_file", func(t *testing.T) {
		updateCmd := NewUpdateCommand()
		updateCmd.RunE = func(cmd *cobra.Command, _ []string) error {
			require.Equal(t, 7, viper.GetInt("updater.num_workers"))
			require.Equal(t, "env.db", viper.GetString("datastore.uri"))
			return nil
		}
		require.NoError(t, execute(t, updateCmd, "update"))
	})

	t.Run("flag_over_env", func(t *testing.T) {
		updateCmd := NewUpdateCommand()
		updateCmd.RunE = func(cmd *cobra.Command, _ []string) error {
			require.Equal(t, 9, viper.GetInt("updater.num_workers"))
			require.Equal(t, "flag.db", viper.GetString("datastore.uri"))

			accounts, _ := cmd.Flags().GetStringSlice(accountsFlag)
			require.Equal(t, []string{"prod", "123456789012"}, accounts)
			return nil
		}
		require.NoError(t, execute(t, updateCmd, "update",
			"--num-workers", "9", "--datastore-uri", "flag.db", "--accounts", "prod,123456789012"))
	})
}

func TestUpdateCommandInvalidConfig(t *testing.T) {
	prepareTempConfigDir(t)
	t.Setenv("ADVISOR_UPDATER_MAX_POLL_ATTEMPTS", "0")

	err := execute(t, NewUpdateCommand(), "update", "--log-level", "none")
	require.ErrorContains(t, err, "max_poll_attempts")
}

func TestMigrateAndDropDB(t *testing.T) {
	dir := prepareTempConfigDir(t)
	uri := filepath.Join(dir, "advisor.db")

	require.NoError(t, execute(t, NewMigrateCommand(), "migrate", "--datastore-uri", uri, "--log-level", "none"))

	db, err := database.New(uri)
	require.NoError(t, err)
	version, err := db.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	require.NoError(t, db.Close())

	require.NoError(t, execute(t, NewDropDBCommand(), "drop-db", "--datastore-uri", uri, "--log-level", "none"))

	db, err = database.New(uri)
	require.NoError(t, err)
	defer db.Close()
	version, err = db.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
}

func TestConfigCommandWritesYAML(t *testing.T) {
	dir := prepareTempConfigDir(t)
	out := filepath.Join(dir, "generated.yaml")

	require.NoError(t, execute(t, NewConfigCommand(), "config",
		"-o", out,
		"--rolename", "Collector",
		"--directory-type", "s3",
		"--directory-bucket", "swag",
		"--num-workers", "8"))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(raw, &cfg))
	require.Equal(t, "Collector", cfg.AWS.RoleName)
	require.Equal(t, "s3", cfg.Directory.Type)
	require.Equal(t, "swag", cfg.Directory.Bucket)
	require.Equal(t, config.DefaultDirectoryKey, cfg.Directory.Key)
	require.Equal(t, 8, cfg.Updater.NumWorkers)

	// the written file is read back by later commands
	v := viper.New()
	v.SetConfigFile(out)
	config.SetDefaults(v)
	require.NoError(t, v.ReadInConfig())
	require.Equal(t, &cfg, config.FromViper(v))
}

func TestConfigCommandRejectsInvalid(t *testing.T) {
	prepareTempConfigDir(t)

	err := execute(t, NewConfigCommand(), "config", "-o", "-", "--directory-type", "s3")
	require.ErrorContains(t, err, "directory.bucket")
}

type noopRetriever struct{}

func (noopRetriever) Name() string { return "noop" }

func (noopRetriever) Run(_ context.Context, _ string, data retriever.Data) (retriever.Data, error) {
	return data, nil
}

func TestUpdateEveryStopsWithContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAccountResolver(ctrl)
	resolver.EXPECT().All(gomock.Any()).Return([]string{}, nil).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := worker.New(worker.Config{Workers: 1}, resolver,
		mocks.NewMockIdentityEnumerator(ctrl), mocks.NewMockSink(ctrl),
		worker.WithObserver(func(ev models.RunEvent) {
			if ev.Type == models.EventRunFinished {
				cancel()
			}
		}))
	runner.RegisterRetriever(noopRetriever{})

	require.NoError(t, updateEvery(ctx, runner, time.Hour, logger.NewNoopLogger()))
}

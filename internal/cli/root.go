// Package cli contains all the commands included in the advisor binary.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"iam-advisor/internal/config"
)

const (
	logFormatFlag    = "log-format"
	logLevelFlag     = "log-level"
	datastoreURIFlag = "datastore-uri"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with ADVISOR, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer())
	viper.AutomaticEnv()

	configPaths := []string{"/etc/iam-advisor", "$HOME/.iam-advisor", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	config.SetDefaults(viper.GetViper())
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic("failed to read config file: " + err.Error())
		}
	}

	cmd := &cobra.Command{
		Use:   "advisor",
		Short: "Collect and serve AWS IAM Access Advisor data",
		Long: `Collects service last accessed data for every IAM role, user, policy and group
of a fleet of AWS accounts, keeps it in a SQLite datastore and serves it over HTTP.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(logFormatFlag, config.Default().Log.Format, "the log format to output logs in (text or json)")
	flags.String(logLevelFlag, config.Default().Log.Level, "the log level to use (debug, info, warn, error)")
	flags.String(datastoreURIFlag, config.DefaultDatastoreURI, "the SQLite datastore to use")

	return cmd
}

// NewAdvisorCommand returns the root command with every subcommand attached.
func NewAdvisorCommand() *cobra.Command {
	root := NewRootCommand()
	root.AddCommand(
		NewUpdateCommand(),
		NewServeCommand(),
		NewMigrateCommand(),
		NewDropDBCommand(),
		NewConfigCommand(),
	)
	return root
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"iam-advisor/internal/config"
)

const (
	outputFlag          = "output"
	roleNameFlag        = "rolename"
	regionFlag          = "region"
	directoryTypeFlag   = "directory-type"
	directoryPathFlag   = "directory-path"
	directoryBucketFlag = "directory-bucket"
	directoryKeyFlag    = "directory-key"
	directoryFilterFlag = "directory-filter"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write a configuration file",
		Long: `The config command writes the effective configuration, with the values given as
flags applied, to a YAML file that later commands read. Use "-" as output to print it.`,
		RunE: runConfig,
		Args: cobra.NoArgs,
	}

	d := config.Default()
	flags := cmd.Flags()

	flags.StringP(outputFlag, "o", "config.yaml", "the file to write")
	flags.String(roleNameFlag, d.AWS.RoleName, "the role assumed in every account")
	flags.String(regionFlag, d.AWS.Region, "the AWS region of the collector")
	flags.String(directoryTypeFlag, d.Directory.Type, "where the account listing is read from (file or s3)")
	flags.String(directoryPathFlag, d.Directory.Path, "the account listing file")
	flags.String(directoryBucketFlag, d.Directory.Bucket, "the S3 bucket holding the account listing")
	flags.String(directoryKeyFlag, d.Directory.Key, "the S3 key of the account listing")
	flags.String(directoryFilterFlag, d.Directory.Filter, "a JMESPath expression selecting accounts from the listing")
	flags.Int(numWorkersFlag, d.Updater.NumWorkers, "the number of workers in each stage")

	cmd.PreRun = func(command *cobra.Command, _ []string) {
		bindPersistentFlags(command)
		MustBindPFlag("aws.rolename", flags.Lookup(roleNameFlag))
		MustBindPFlag("aws.region", flags.Lookup(regionFlag))
		MustBindPFlag("directory.type", flags.Lookup(directoryTypeFlag))
		MustBindPFlag("directory.path", flags.Lookup(directoryPathFlag))
		MustBindPFlag("directory.bucket", flags.Lookup(directoryBucketFlag))
		MustBindPFlag("directory.key", flags.Lookup(directoryKeyFlag))
		MustBindPFlag("directory.filter", flags.Lookup(directoryFilterFlag))
		MustBindPFlag("updater.num_workers", flags.Lookup(numWorkersFlag))
	}

	return cmd
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg := config.FromViper(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString(outputFlag)
	if output == "-" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}

	if err := os.WriteFile(output, out, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
	return nil
}

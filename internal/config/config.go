// Package config holds the runtime configuration of the collector and the
// query API, loaded through viper from flags, ADVISOR_* environment variables
// and config.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultRoleName          = "IAMAdvisor"
	DefaultRegion            = "us-east-1"
	DefaultPartition         = "aws"
	DefaultSessionName       = "iam-advisor"
	DefaultDirectoryKey      = "v2/accounts.json"
	DefaultDatastoreURI      = "advisor.db"
	DefaultNumWorkers        = 5
	DefaultMaxPollAttempts   = 10
	MaxPollAttemptsLimit     = 30
	DefaultPollBackoffUnit   = time.Second
	DefaultHTTPAddr          = ":8080"
	DefaultRequestsPerMinute = 600
)

type AWSConfig struct {
	RoleName          string  `yaml:"rolename" mapstructure:"rolename"`
	Region            string  `yaml:"region" mapstructure:"region"`
	ARNPartition      string  `yaml:"arn_partition" mapstructure:"arn_partition"`
	SessionName       string  `yaml:"session_name" mapstructure:"session_name"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// DirectoryConfig selects where the account listing is read from. An empty
// Type leaves the directory unconfigured.
type DirectoryConfig struct {
	Type                      string `yaml:"type" mapstructure:"type"`
	Path                      string `yaml:"path,omitempty" mapstructure:"path"`
	Bucket                    string `yaml:"bucket,omitempty" mapstructure:"bucket"`
	Key                       string `yaml:"key,omitempty" mapstructure:"key"`
	Filter                    string `yaml:"filter,omitempty" mapstructure:"filter"`
	ServiceEnabledRequirement string `yaml:"service_enabled_requirement,omitempty" mapstructure:"service_enabled_requirement"`
}

type DatastoreConfig struct {
	URI     string `yaml:"uri" mapstructure:"uri"`
	Metrics bool   `yaml:"metrics" mapstructure:"metrics"`
}

type UpdaterConfig struct {
	NumWorkers      int           `yaml:"num_workers" mapstructure:"num_workers"`
	MaxPollAttempts int           `yaml:"max_poll_attempts" mapstructure:"max_poll_attempts"`
	PollBackoffUnit time.Duration `yaml:"poll_backoff_unit" mapstructure:"poll_backoff_unit"`
	Interval        time.Duration `yaml:"interval" mapstructure:"interval"`
}

type HTTPConfig struct {
	Addr              string `yaml:"addr" mapstructure:"addr"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

type LogConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
	Level  string `yaml:"level" mapstructure:"level"`
}

type Config struct {
	AWS       AWSConfig       `yaml:"aws" mapstructure:"aws"`
	Directory DirectoryConfig `yaml:"directory" mapstructure:"directory"`
	Datastore DatastoreConfig `yaml:"datastore" mapstructure:"datastore"`
	Updater   UpdaterConfig   `yaml:"updater" mapstructure:"updater"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		AWS: AWSConfig{
			RoleName:          DefaultRoleName,
			Region:            DefaultRegion,
			ARNPartition:      DefaultPartition,
			SessionName:       DefaultSessionName,
			RequestsPerSecond: 10,
			Burst:             5,
			MaxRetries:        5,
		},
		Directory: DirectoryConfig{
			Key: DefaultDirectoryKey,
		},
		Datastore: DatastoreConfig{
			URI: DefaultDatastoreURI,
		},
		Updater: UpdaterConfig{
			NumWorkers:      DefaultNumWorkers,
			MaxPollAttempts: DefaultMaxPollAttempts,
			PollBackoffUnit: DefaultPollBackoffUnit,
		},
		HTTP: HTTPConfig{
			Addr:              DefaultHTTPAddr,
			RequestsPerMinute: DefaultRequestsPerMinute,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// EnvPrefix is the prefix of every environment variable read by the binary.
const EnvPrefix = "ADVISOR"

// EnvKeyReplacer maps config keys such as updater.num_workers onto
// ADVISOR_UPDATER_NUM_WORKERS.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// SetDefaults registers every default on v so that env and file values
// resolve for keys that have no flag.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("aws.rolename", d.AWS.RoleName)
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.arn_partition", d.AWS.ARNPartition)
	v.SetDefault("aws.session_name", d.AWS.SessionName)
	v.SetDefault("aws.requests_per_second", d.AWS.RequestsPerSecond)
	v.SetDefault("aws.burst", d.AWS.Burst)
	v.SetDefault("aws.max_retries", d.AWS.MaxRetries)
	v.SetDefault("directory.type", d.Directory.Type)
	v.SetDefault("directory.path", d.Directory.Path)
	v.SetDefault("directory.bucket", d.Directory.Bucket)
	v.SetDefault("directory.key", d.Directory.Key)
	v.SetDefault("directory.filter", d.Directory.Filter)
	v.SetDefault("directory.service_enabled_requirement", d.Directory.ServiceEnabledRequirement)
	v.SetDefault("datastore.uri", d.Datastore.URI)
	v.SetDefault("datastore.metrics", d.Datastore.Metrics)
	v.SetDefault("updater.num_workers", d.Updater.NumWorkers)
	v.SetDefault("updater.max_poll_attempts", d.Updater.MaxPollAttempts)
	v.SetDefault("updater.poll_backoff_unit", d.Updater.PollBackoffUnit)
	v.SetDefault("updater.interval", d.Updater.Interval)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.requests_per_minute", d.HTTP.RequestsPerMinute)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.level", d.Log.Level)
}

// FromViper reads the full configuration out of v.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		AWS: AWSConfig{
			RoleName:          v.GetString("aws.rolename"),
			Region:            v.GetString("aws.region"),
			ARNPartition:      v.GetString("aws.arn_partition"),
			SessionName:       v.GetString("aws.session_name"),
			RequestsPerSecond: v.GetFloat64("aws.requests_per_second"),
			Burst:             v.GetInt("aws.burst"),
			MaxRetries:        v.GetInt("aws.max_retries"),
		},
		Directory: DirectoryConfig{
			Type:                      v.GetString("directory.type"),
			Path:                      v.GetString("directory.path"),
			Bucket:                    v.GetString("directory.bucket"),
			Key:                       v.GetString("directory.key"),
			Filter:                    v.GetString("directory.filter"),
			ServiceEnabledRequirement: v.GetString("directory.service_enabled_requirement"),
		},
		Datastore: DatastoreConfig{
			URI:     v.GetString("datastore.uri"),
			Metrics: v.GetBool("datastore.metrics"),
		},
		Updater: UpdaterConfig{
			NumWorkers:      v.GetInt("updater.num_workers"),
			MaxPollAttempts: v.GetInt("updater.max_poll_attempts"),
			PollBackoffUnit: v.GetDuration("updater.poll_backoff_unit"),
			Interval:        v.GetDuration("updater.interval"),
		},
		HTTP: HTTPConfig{
			Addr:              v.GetString("http.addr"),
			RequestsPerMinute: v.GetInt("http.requests_per_minute"),
		},
		Log: LogConfig{
			Format: v.GetString("log.format"),
			Level:  v.GetString("log.level"),
		},
	}
}

// Validate reports the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.AWS.RoleName == "" {
		return errors.New("aws.rolename must be set")
	}
	if c.AWS.RequestsPerSecond <= 0 {
		return fmt.Errorf("aws.requests_per_second must be positive, got %v", c.AWS.RequestsPerSecond)
	}
	if c.Updater.NumWorkers < 1 {
		return fmt.Errorf("updater.num_workers must be at least 1, got %d", c.Updater.NumWorkers)
	}
	if c.Updater.MaxPollAttempts < 1 || c.Updater.MaxPollAttempts > MaxPollAttemptsLimit {
		return fmt.Errorf("updater.max_poll_attempts must be between 1 and %d, got %d", MaxPollAttemptsLimit, c.Updater.MaxPollAttempts)
	}
	if c.Updater.PollBackoffUnit <= 0 {
		return errors.New("updater.poll_backoff_unit must be positive")
	}
	if c.Updater.Interval < 0 {
		return errors.New("updater.interval must not be negative")
	}

	switch c.Directory.Type {
	case "":
	case "file":
		if c.Directory.Path == "" {
			return errors.New("directory.path is required for a file directory")
		}
	case "s3":
		if c.Directory.Bucket == "" {
			return errors.New("directory.bucket is required for an s3 directory")
		}
	default:
		return fmt.Errorf("unknown directory type: %s", c.Directory.Type)
	}

	if c.Datastore.URI == "" {
		return errors.New("datastore.uri must be set")
	}

	return nil
}

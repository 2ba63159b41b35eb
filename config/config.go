// Package config implements the YAML config file parser
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/ringstat/ringstat/config/logger"
	"github.com/ringstat/ringstat/lmdbenv"
	"github.com/ringstat/ringstat/status/healthtracker"
	"github.com/ringstat/ringstat/status/starttracker"
)

const (
	DefaultInterval               = time.Minute
	DefaultMaxTransactionsPerType = 500
	DefaultMaxQueriesPerType      = 500
	DefaultFlushConcurrency       = 2
	DefaultPollSlack              = time.Second
	DefaultCappedSize             = 100 * datasize.MB
	DefaultCleanupInterval        = 5 * time.Minute
	DefaultCacheSize              = 256
)

// Config is the config root object
type Config struct {
	// Instance names this process in archive blob names
	Instance    string        `yaml:"instance"`
	Aggregation Aggregation   `yaml:"aggregation"`
	CappedDB    CappedDB      `yaml:"capped_db"`
	Repository  Repository    `yaml:"repository"`
	Archive     Archive       `yaml:"archive"`
	HTTP        HTTP          `yaml:"http"`
	Health      Health        `yaml:"health"`
	Log         logger.Config `yaml:"log"`

	// Set to current version by main
	Version string `yaml:"-"`
}

// Aggregation configures the interval aggregator
type Aggregation struct {
	Interval               time.Duration `yaml:"interval"`
	MaxTransactionsPerType int           `yaml:"max_transactions_per_type"`
	MaxQueriesPerType      int           `yaml:"max_queries_per_type"`
	FlushConcurrency       int           `yaml:"flush_concurrency"`
	// PollSlack is added to the interval boundary before the worker checks
	// for an idle interval to flush
	PollSlack time.Duration `yaml:"poll_slack"`
}

// CappedDB configures the capped database holding queries and profiles
type CappedDB struct {
	Path string            `yaml:"path"`
	Size datasize.ByteSize `yaml:"size"`
}

// Repository configures the LMDB with aggregate summaries
type Repository struct {
	Path            string          `yaml:"path"` // Path to directory holding data.mdb, or mdb file if NoSubdir
	Options         lmdbenv.Options `yaml:"options"`
	Expiration      time.Duration   `yaml:"expiration"` // 0 keeps everything
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	CacheSize       int             `yaml:"cache_size"`
	LogStats        bool            `yaml:"log_stats"`
}

// Archive configures the optional blob archive of flushed intervals
type Archive struct {
	Enabled         bool          `yaml:"enabled"`
	Storage         Storage       `yaml:"storage"`
	Retention       time.Duration `yaml:"retention"` // 0 keeps everything
	MinKeep         int           `yaml:"min_keep"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Storage selects a simpleblob backend
type Storage struct {
	Type    string                 `yaml:"type"`
	Options map[string]interface{} `yaml:"options"`
}

// HTTP configures the HTTP server with Prometheus metrics and status page
type HTTP struct {
	Address string `yaml:"address"` // Address like ":8000"
}

// Health configures the health checks
type Health struct {
	Flush   healthtracker.HealthConfig `yaml:"flush"`
	Startup starttracker.StartConfig   `yaml:"startup"`
}

// Check validates a Config instance
func (c Config) Check() error {
	if err := c.Log.Check(); err != nil {
		return err
	}
	if c.Instance == "" {
		return fmt.Errorf("instance: no instance name configured")
	}
	if strings.Contains(c.Instance, "__") || strings.ContainsAny(c.Instance, "./") {
		return fmt.Errorf("instance: %q must not contain '__', '.' or '/'", c.Instance)
	}

	a := c.Aggregation
	if a.Interval < time.Second {
		return fmt.Errorf("aggregation.interval: too short interval")
	}
	if a.Interval%time.Millisecond != 0 {
		return fmt.Errorf("aggregation.interval: must be a whole number of milliseconds")
	}
	if a.MaxTransactionsPerType < 0 {
		return fmt.Errorf("aggregation.max_transactions_per_type: negative value")
	}
	if a.MaxQueriesPerType < 1 {
		return fmt.Errorf("aggregation.max_queries_per_type: must be at least 1")
	}
	if a.FlushConcurrency < 1 {
		return fmt.Errorf("aggregation.flush_concurrency: must be at least 1")
	}
	if a.PollSlack < 0 {
		return fmt.Errorf("aggregation.poll_slack: negative value")
	}

	if c.CappedDB.Path == "" {
		return fmt.Errorf("capped_db.path: no path configured")
	}
	if c.CappedDB.Size < datasize.KB {
		return fmt.Errorf("capped_db.size: must be at least 1KB")
	}

	r := c.Repository
	if r.Path == "" {
		return fmt.Errorf("repository.path: no path configured")
	}
	if r.Options.FileMask > 0o777 {
		return fmt.Errorf("repository.options.file_mask: too large value, possible use of decimal (%d) instead of octal (%#o)",
			r.Options.FileMask, r.Options.FileMask)
	}
	if r.Options.DirMask > 0o777 {
		return fmt.Errorf("repository.options.dir_mask: too large value, possible use of decimal (%d) instead of octal (%#o)",
			r.Options.DirMask, r.Options.DirMask)
	}
	if r.Expiration < 0 {
		return fmt.Errorf("repository.expiration: negative value")
	}
	if r.Expiration > 0 && r.CleanupInterval < time.Second {
		return fmt.Errorf("repository.cleanup_interval: too short interval")
	}

	if c.Archive.Enabled {
		if c.Archive.Storage.Type == "" {
			return fmt.Errorf("archive.storage.type: no storage type configured")
		}
		if c.Archive.MinKeep < 0 {
			return fmt.Errorf("archive.min_keep: negative value")
		}
		if c.Archive.Retention > 0 && c.Archive.CleanupInterval < time.Second {
			return fmt.Errorf("archive.cleanup_interval: too short interval")
		}
	}

	if c.HTTP.Address != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Address); err != nil {
			return fmt.Errorf("http.address: %v", err)
		}
	}
	if c.Health.Flush.EvaluationInterval < 0 {
		return fmt.Errorf("health.flush.interval: negative value")
	}
	return nil
}

// String returns the config as a YAML string with storage options masked,
// since these can contain credentials.
func (c Config) String() string {
	if len(c.Archive.Storage.Options) > 0 {
		masked := make(map[string]interface{}, len(c.Archive.Storage.Options))
		for k, v := range c.Archive.Storage.Options {
			if isSecretKey(k) {
				v = "***"
			}
			masked[k] = v
		}
		c.Archive.Storage.Options = masked
	}
	y, err := yaml.Marshal(c)
	if err != nil {
		logrus.Panicf("YAML marshal of config failed: %v", err) // Should never happen
	}
	return string(y)
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "secret") || strings.Contains(k, "password") || strings.Contains(k, "token")
}

// LoadYAML loads config from YAML. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAML(yamlContents []byte, expandEnv bool) error {
	if expandEnv {
		yamlContents = []byte(os.ExpandEnv(string(yamlContents)))
	}
	return yaml.UnmarshalStrict(yamlContents, c)
}

// LoadYAMLFile loads config from a YAML file. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAMLFile(fpath string, expandEnv bool) error {
	contents, err := os.ReadFile(fpath)
	if err != nil {
		return errors.Wrap(err, "open yaml file")
	}
	return c.LoadYAML(contents, expandEnv)
}

// Default returns a Config with default settings
func Default() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ringstat"
	}
	hostname, _, _ = strings.Cut(hostname, ".")
	return Config{
		Instance: hostname,
		Aggregation: Aggregation{
			Interval:               DefaultInterval,
			MaxTransactionsPerType: DefaultMaxTransactionsPerType,
			MaxQueriesPerType:      DefaultMaxQueriesPerType,
			FlushConcurrency:       DefaultFlushConcurrency,
			PollSlack:              DefaultPollSlack,
		},
		CappedDB: CappedDB{
			Size: DefaultCappedSize,
		},
		Repository: Repository{
			Options: lmdbenv.Options{
				Create: true,
			},
			CleanupInterval: DefaultCleanupInterval,
			CacheSize:       DefaultCacheSize,
		},
		Archive: Archive{
			MinKeep:         1,
			CleanupInterval: DefaultCleanupInterval,
		},
		Health: Health{
			Flush: healthtracker.HealthConfig{
				EvaluationInterval: 10 * time.Second,
				WarnDuration:       2 * time.Minute,
				ErrorDuration:      5 * time.Minute,
				WarnSequence:       1,
				ErrorSequence:      3,
			},
			Startup: starttracker.StartConfig{
				EvaluationInterval: 5 * time.Second,
				WarnDuration:       2 * time.Minute,
				ErrorDuration:      10 * time.Minute,
				ReportHealthz:      true,
				ReportMetadata:     true,
			},
		},
		Log: logger.DefaultConfig,
	}
}

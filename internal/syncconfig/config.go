// Package syncconfig loads the Config value every other component takes
// as a constructor argument: YAML on disk, with ${VAR} environment
// substitution and post-load defaulting.
//
// Grounded on the teacher's config.go (LoadConfig, defaulting pattern) and
// on ajitpratap0-nebula/pkg/config/simple_loader.go's substituteEnvVars
// helper.
package syncconfig

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
)

// Config is the externally-supplied configuration spec.md §6 enumerates.
// CLI wrapping and env-var loading around it are out of scope; this
// package only turns a YAML file into this struct.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	State     StateConfig     `yaml:"state"`
	Lock      LockConfig      `yaml:"lock"`
	Sync      SyncConfig      `yaml:"sync"`
	Progress  ProgressConfig  `yaml:"progress"`
}

// SourceConfig holds the remote relational source's connection parameters.
type SourceConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Service  string `yaml:"service"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AnalyticsConfig locates the embedded analytics store.
type AnalyticsConfig struct {
	Path     string `yaml:"path"`
	Database string `yaml:"database"`
}

// StateConfig names the directory holding state/mapping/checkpoint/lock
// files.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// LockConfig controls stale-lock takeover.
type LockConfig struct {
	StaleSeconds int `yaml:"staleSeconds"`
}

// RetryConfig is the engine's backoff policy.
type RetryConfig struct {
	MaxAttempts int     `yaml:"maxAttempts"`
	BaseMs      int     `yaml:"baseMs"`
	CapMs       int     `yaml:"capMs"`
	Jitter      float64 `yaml:"jitter"`
}

// SyncConfig bounds a single run.
type SyncConfig struct {
	BatchSize          int         `yaml:"batchSize"`
	MaxDurationSeconds int         `yaml:"maxDurationSeconds"`
	MaxIterations      int         `yaml:"maxIterations"`
	Retry              RetryConfig `yaml:"retry"`
	CompactEveryNRuns  int         `yaml:"compactEveryNRuns"`
}

// ProgressConfig sizes the worker's event channel.
type ProgressConfig struct {
	ChannelCapacity int `yaml:"channelCapacity"`
}

// MaxDuration returns Sync.MaxDurationSeconds as a time.Duration.
func (c SyncConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSeconds) * time.Second
}

// StaleThreshold returns Lock.StaleSeconds as a time.Duration.
func (c LockConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces every ${VAR} occurrence with the value of the
// matching environment variable, leaving the literal text in place if the
// variable is unset.
func substituteEnvVars(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads path, substitutes ${VAR} references against the process
// environment, parses the result as YAML, and applies defaults for every
// key spec.md §6 marks optional. A missing or unparsable file is
// ConfigInvalid — the caller must fail fast and never enter the run loop.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.ConfigInvalid, fmt.Sprintf("failed to read config file %s", path))
	}
	raw = substituteEnvVars(raw)

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, syncerr.Wrap(err, syncerr.ConfigInvalid, "failed to parse config file")
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Lock.StaleSeconds == 0 {
		c.Lock.StaleSeconds = 1800
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 10000
	}
	if c.Sync.MaxDurationSeconds == 0 {
		c.Sync.MaxDurationSeconds = 3600
	}
	if c.Sync.MaxIterations == 0 {
		c.Sync.MaxIterations = 100000
	}
	if c.Sync.Retry.MaxAttempts == 0 {
		c.Sync.Retry.MaxAttempts = 3
	}
	if c.Sync.Retry.BaseMs == 0 {
		c.Sync.Retry.BaseMs = 1000
	}
	if c.Sync.Retry.CapMs == 0 {
		c.Sync.Retry.CapMs = 30000
	}
	if c.Sync.Retry.Jitter == 0 {
		c.Sync.Retry.Jitter = 0.2
	}
	if c.Sync.CompactEveryNRuns == 0 {
		c.Sync.CompactEveryNRuns = 10
	}
	if c.Progress.ChannelCapacity == 0 {
		c.Progress.ChannelCapacity = 1000
	}
}

// validate rejects the configurations that have no sane default: the
// source host and the state/analytics paths must be supplied by the
// operator, not guessed.
func validate(c *Config) error {
	switch {
	case c.Source.Host == "":
		return syncerr.New(syncerr.ConfigInvalid, "source.host is required")
	case c.Analytics.Path == "":
		return syncerr.New(syncerr.ConfigInvalid, "analytics.path is required")
	case c.State.Dir == "":
		return syncerr.New(syncerr.ConfigInvalid, "state.dir is required")
	}
	return nil
}

// Redact renders the source DSN with the password masked, for inclusion in
// log lines and error messages that must never carry secrets.
func (c SourceConfig) Redact() string {
	return fmt.Sprintf("host=%s port=%d service=%s user=%s password=***", c.Host, c.Port, c.Service, c.User)
}

// Package config consolidates the inspector configuration from defaults, an
// optional YAML file, the environment and command line flags, in that order.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/vincentbai/target-inspector/internal/flicker"
)

// Defaults shared by NewConfig and the command line help.
const (
	DefaultAddress        = "127.0.0.1:8123"
	DefaultDevToolsURL    = "http://127.0.0.1:9222"
	DefaultLogLevel       = "info"
	DefaultAttachInterval = 2 * time.Second
)

type Config struct {
	Address        null.String  `envconfig:"TARGET_INSPECTOR_ADDRESS"`
	DatabasePath   null.String  `envconfig:"TARGET_INSPECTOR_DATABASE"`
	DevToolsURL    null.String  `envconfig:"TARGET_INSPECTOR_DEVTOOLS_URL"`
	LogLevel       null.String  `envconfig:"TARGET_INSPECTOR_LOG_LEVEL"`
	LogFilter      null.String  `envconfig:"TARGET_INSPECTOR_LOG_FILTER"`
	SettleDelay    NullDuration `envconfig:"TARGET_INSPECTOR_FLICKER_SETTLE_DELAY"`
	AttachInterval NullDuration `envconfig:"TARGET_INSPECTOR_ATTACH_INTERVAL"`
	InteractHosts  []string     `envconfig:"TARGET_INSPECTOR_INTERACT_HOSTS"`
}

// NewConfig creates a config with the default values. None of them count
// as explicitly set.
func NewConfig() Config {
	return Config{
		Address:        null.NewString(DefaultAddress, false),
		DevToolsURL:    null.NewString(DefaultDevToolsURL, false),
		LogLevel:       null.NewString(DefaultLogLevel, false),
		SettleDelay:    NewNullDuration(flicker.DefaultSettleDelay, false),
		AttachInterval: NewNullDuration(DefaultAttachInterval, false),
	}
}

// Apply overlays the explicitly set fields of cfg onto c.
func (c Config) Apply(cfg Config) Config {
	if cfg.Address.Valid {
		c.Address = cfg.Address
	}
	if cfg.DatabasePath.Valid {
		c.DatabasePath = cfg.DatabasePath
	}
	if cfg.DevToolsURL.Valid {
		c.DevToolsURL = cfg.DevToolsURL
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogFilter.Valid {
		c.LogFilter = cfg.LogFilter
	}
	if cfg.SettleDelay.Valid {
		c.SettleDelay = cfg.SettleDelay
	}
	if cfg.AttachInterval.Valid {
		c.AttachInterval = cfg.AttachInterval
	}
	if len(cfg.InteractHosts) > 0 {
		c.InteractHosts = cfg.InteractHosts
	}
	return c
}

// Validate checks the consolidated values.
func (c Config) Validate() error {
	if c.Address.String == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(c.DevToolsURL.String, "http://") && !strings.HasPrefix(c.DevToolsURL.String, "https://") {
		return fmt.Errorf("devtools URL must be an http(s) URL, got %q", c.DevToolsURL.String)
	}
	if _, err := regexp.Compile(c.LogFilter.String); err != nil {
		return fmt.Errorf("invalid log filter %q: %w", c.LogFilter.String, err)
	}
	if c.SettleDelay.Duration < 0 {
		return fmt.Errorf("flicker settle delay cannot be negative")
	}
	if c.AttachInterval.Duration <= 0 {
		return fmt.Errorf("attach interval must be positive")
	}
	return nil
}

// fileConfig is the on-disk YAML shape.
type fileConfig struct {
	Address            *string  `yaml:"address"`
	Database           *string  `yaml:"database"`
	DevToolsURL        *string  `yaml:"devtools_url"`
	LogLevel           *string  `yaml:"log_level"`
	LogFilter          *string  `yaml:"log_filter"`
	FlickerSettleDelay *string  `yaml:"flicker_settle_delay"`
	AttachInterval     *string  `yaml:"attach_interval"`
	InteractHosts      []string `yaml:"interact_hosts"`
}

// ParseYAML parses a config file.
func ParseYAML(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	c := Config{InteractHosts: fc.InteractHosts}
	if fc.Address != nil {
		c.Address = null.StringFrom(*fc.Address)
	}
	if fc.Database != nil {
		c.DatabasePath = null.StringFrom(*fc.Database)
	}
	if fc.DevToolsURL != nil {
		c.DevToolsURL = null.StringFrom(*fc.DevToolsURL)
	}
	if fc.LogLevel != nil {
		c.LogLevel = null.StringFrom(*fc.LogLevel)
	}
	if fc.LogFilter != nil {
		c.LogFilter = null.StringFrom(*fc.LogFilter)
	}
	if fc.FlickerSettleDelay != nil {
		if err := c.SettleDelay.UnmarshalText([]byte(*fc.FlickerSettleDelay)); err != nil {
			return Config{}, fmt.Errorf("flicker_settle_delay: %w", err)
		}
	}
	if fc.AttachInterval != nil {
		if err := c.AttachInterval.UnmarshalText([]byte(*fc.AttachInterval)); err != nil {
			return Config{}, fmt.Errorf("attach_interval: %w", err)
		}
	}
	return c, nil
}

// GetConsolidatedConfig combines {default config values + YAML file +
// environment vars + flags}, and returns the final result. An empty path
// skips the file.
func GetConsolidatedConfig(path string, env map[string]string, flags Config) (Config, error) {
	result := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return result, fmt.Errorf("reading config file: %w", err)
		}
		fileConf, err := ParseYAML(data)
		if err != nil {
			return result, err
		}
		result = result.Apply(fileConf)
	}

	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return result, fmt.Errorf("reading environment: %w", err)
	}
	result = result.Apply(envConfig)
	result = result.Apply(flags)

	return result, result.Validate()
}

// EnvMap turns os.Environ style entries into a map.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// NullDuration is a nullable time.Duration in the vein of null.v3 types.
type NullDuration struct {
	Duration time.Duration
	Valid    bool
}

func NewNullDuration(d time.Duration, valid bool) NullDuration {
	return NullDuration{Duration: d, Valid: valid}
}

func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{Duration: d, Valid: true}
}

// UnmarshalText accepts Go duration strings. Empty text leaves it unset.
func (d *NullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDuration{}
		return nil
	}
	v, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = NullDurationFrom(v)
	return nil
}

func (d NullDuration) String() string {
	return d.Duration.String()
}

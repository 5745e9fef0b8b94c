package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/vincentbai/target-inspector/internal/config"
	"github.com/vincentbai/target-inspector/internal/flicker"
)

// configFlagSet holds the flags that overlay the consolidated config.
func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("config", "", "path to a YAML config file")
	flags.String("address", config.DefaultAddress, "`host:port` the UI endpoint listens on")
	flags.String("database", "", "path of the SQLite database (default: application data directory)")
	flags.String("devtools-url", config.DefaultDevToolsURL, "remote debugging endpoint of the browser")
	flags.String("log-level", config.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String("log-filter", "", "only log categories matching this `regexp`")
	flags.Duration("flicker-settle-delay", flicker.DefaultSettleDelay, "wait before flicker metrics are collected")
	flags.Duration("attach-interval", config.DefaultAttachInterval, "how often the browser is polled for new pages")
	flags.StringSlice("interact-host", nil, "additional host serving edge interact calls")
	return flags
}

// getConfig reads the explicitly set flags.
func getConfig(flags *pflag.FlagSet) config.Config {
	hosts, err := flags.GetStringSlice("interact-host")
	if err != nil {
		panic(err)
	}
	return config.Config{
		Address:        getNullString(flags, "address"),
		DatabasePath:   getNullString(flags, "database"),
		DevToolsURL:    getNullString(flags, "devtools-url"),
		LogLevel:       getNullString(flags, "log-level"),
		LogFilter:      getNullString(flags, "log-filter"),
		SettleDelay:    getNullDuration(flags, "flicker-settle-delay"),
		AttachInterval: getNullDuration(flags, "attach-interval"),
		InteractHosts:  hosts,
	}
}

func getNullString(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetString(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v, flags.Changed(key))
}

func getNullDuration(flags *pflag.FlagSet, key string) config.NullDuration {
	v, err := flags.GetDuration(key)
	if err != nil {
		panic(err)
	}
	return config.NewNullDuration(v, flags.Changed(key))
}

// applicationDirectory is the platform-specific app data dir. It is created
// if missing.
func applicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(homeDirectory, "Library", "Application Support", "TargetInspector")
	case "windows":
		dir = filepath.Join(homeDirectory, "AppData", "Roaming", "TargetInspector")
	default: // linux and others
		dir = filepath.Join(homeDirectory, ".local", "share", "TargetInspector")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return dir, nil
}

func databasePath(cfg config.Config) (string, error) {
	if cfg.DatabasePath.String != "" {
		return cfg.DatabasePath.String, nil
	}
	dir, err := applicationDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "activities.db"), nil
}

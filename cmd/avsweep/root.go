package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/logging"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string

	version = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:           "avsweep",
	Short:         "Scan directories for malware",
	Long:          "avsweep walks a directory, scans every regular file with a signature engine and reports infected files.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (JSON or YAML; default "+config.DefaultConfigPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format: text|json")
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "error:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 2
}

// loadConfig reads the config file and applies the global flags over it.
func loadConfig() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Log.Format = flagLogFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.NewWithWriter(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level), os.Stderr)
	logger.Debug("config loaded", logging.Field{Key: "config", Value: cfg.Redacted()})
	return cfg, logger, nil
}

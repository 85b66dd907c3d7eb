package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zoobzio/tether"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tether",
		Short: "Keep a realtime change-feed subscription alive",
		Long: `tether connects to a realtime change feed, holds the subscription open
across timeouts, drops and token expiry, and coalesces bursts of row
changes into single refreshes.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or JSON configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// load returns the file configuration, or defaults when no file is given.
func (o *rootOptions) load() (tether.Config, error) {
	if o.configPath == "" {
		return tether.DefaultConfig(), nil
	}
	cfg, err := tether.LoadConfig(o.configPath)
	if err != nil {
		return tether.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	out := cmd.ErrOrStderr()
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(o.logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(out, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", o.logFormat)
	}
}

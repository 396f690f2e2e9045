// Command ibgen generates, verifies, and reads indexed binary datasets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meigma/ibstore/config"
)

var cmdMain = &cobra.Command{
	Use:           "ibgen",
	Short:         "Indexed binary dataset generator and reader",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagMain struct {
	Config   string
	DataDir  string
	LogLevel string
}

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagMain.Config, "config", "c", "", "YAML configuration file")
	cmdMain.PersistentFlags().StringVarP(&flagMain.DataDir, "data-dir", "d", "", "Dataset directory (overrides data_dir)")
	cmdMain.PersistentFlags().StringVar(&flagMain.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmdMain.ExecuteContext(ctx)
	stop()
	if perr := stopProfiling(); perr != nil {
		fmt.Fprintf(os.Stderr, "profiling: %v\n", perr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger returns a text logger on stderr at the configured level.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagMain.LogLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// loadConfig returns the configuration file, or the defaults, with
// persistent flag overrides applied.
func loadConfig() (config.Config, error) {
	cfg := config.Defaults()
	if flagMain.Config != "" {
		var err error
		if cfg, err = config.Load(flagMain.Config); err != nil {
			return config.Config{}, err
		}
	}
	if flagMain.DataDir != "" {
		cfg.DataDir = flagMain.DataDir
	}
	return cfg, nil
}

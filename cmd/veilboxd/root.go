package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veilbox/veilbox/internal/alarm"
	"github.com/veilbox/veilbox/internal/config"
	"github.com/veilbox/veilbox/internal/prefs"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "veilboxd",
		Short:         "Encrypted calendar alarm daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "veilbox.yaml", "Path to the configuration file")
	root.AddCommand(
		newRunCommand(),
		newRegisterCommand(),
		newResetCommand(),
		newExportCommand(),
		newVersionCommand(),
	)
	return root
}

// loadEnvironment reads the configuration and opens the stores every
// command operates on.
func loadEnvironment() (*config.Config, *prefs.Store, *alarm.FileKeyStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := prefs.Open(filepath.Join(cfg.DataDir, "preferences.json"))
	if err != nil {
		return nil, nil, nil, err
	}
	keys, err := alarm.OpenFileKeyStore(filepath.Join(cfg.DataDir, "pushkeys.json"))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, keys, nil
}

// newEngine wires the reconciliation engine from the loaded environment.
func newEngine(cfg *config.Config, store *prefs.Store, keys *alarm.FileKeyStore, opts alarm.Config) (*alarm.Engine, error) {
	local, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	opts.Prefs = store
	opts.Keys = keys
	opts.Client = alarm.NewClient()
	opts.ScheduleAhead = cfg.ScheduleAhead
	opts.Local = local
	if opts.Scheduler == nil {
		opts.Scheduler = alarm.NewMemoryScheduler()
	}
	return alarm.NewEngine(opts), nil
}

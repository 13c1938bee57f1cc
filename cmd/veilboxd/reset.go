package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veilbox/veilbox/internal/alarm"
)

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Cancel all alarms and clear stored device state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, keys, err := loadEnvironment()
			if err != nil {
				return err
			}
			engine, err := newEngine(cfg, store, keys, alarm.Config{})
			if err != nil {
				return err
			}
			if err := engine.ResetStoredState(); err != nil {
				return err
			}
			log.Info().Msg("Stored alarm state cleared")
			return nil
		},
	}
}

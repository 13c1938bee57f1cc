package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veilbox/veilbox/internal/agenda"
	"github.com/veilbox/veilbox/internal/alarm"
)

func newExportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the upcoming alarm agenda as iCalendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, keys, err := loadEnvironment()
			if err != nil {
				return err
			}
			engine, err := newEngine(cfg, store, keys, alarm.Config{})
			if err != nil {
				return err
			}
			occurrences, err := engine.UpcomingOccurrences()
			if err != nil {
				return err
			}
			ical := agenda.ExportICS(occurrences)
			if output == "" {
				fmt.Print(ical)
				return nil
			}
			if err := os.WriteFile(output, []byte(ical), 0o600); err != nil {
				return fmt.Errorf("failed to write agenda: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the agenda to a file instead of stdout")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

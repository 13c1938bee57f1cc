// Package main implements veilboxd, the background daemon that keeps local
// calendar alarms in sync with server-pushed encrypted alarm events.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

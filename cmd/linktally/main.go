// Package main implements the linktally binary: the batch-job and query
// entry points for the link rollup engine. Each subcommand is a thin
// wrapper over internal/, suitable for cron.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

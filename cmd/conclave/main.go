// Package main starts the conclave live-session server and handles
// termination.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	conclavecmd "github.com/louisbranch/conclave/internal/cmd/conclave"
)

func main() {
	cfg, err := conclavecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CONCLAVE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Probe {
		if err := conclavecmd.Probe(ctx, cfg); err != nil {
			log.Fatalf("unhealthy: %v", err)
		}
		return
	}
	if err := conclavecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

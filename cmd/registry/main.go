// Command registry runs the rendezvous service herald nodes register with
// on startup. It collects registrations until REGISTRY_WINDOW passes with
// no new arrival, assigns each node a unique id, replies with the full
// roster, and exits.
//
// Example:
//
//	REGISTRY_ADDR=:5000 REGISTRY_WINDOW=10s ./registry
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreamware/herald/internal/registry"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logFatal("registry: %v", err)
	}
}

func run(ctx context.Context, cfg Config) error {
	svc := registry.NewService(registry.Config{Addr: cfg.Addr, Window: cfg.Window})
	if err := svc.Listen(); err != nil {
		return err
	}
	defer svc.Close()

	roster, err := svc.Run(ctx)
	if err != nil {
		return err
	}
	for _, m := range roster {
		log.Printf("[registry] node %d at %s", m.ID, m.Addr())
	}
	log.Printf("[registry] handed out %d ids, exiting", len(roster))
	return nil
}

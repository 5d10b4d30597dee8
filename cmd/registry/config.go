package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dreamware/herald/internal/registry"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// Config is the registry process configuration.
type Config struct {
	Addr   string
	Window time.Duration
}

// LoadConfig reads the registry configuration from the environment.
//
//   - REGISTRY_ADDR: listen address (default ":5000")
//   - REGISTRY_WINDOW: idle window that closes registration (default 10s)
func LoadConfig() (Config, error) {
	window, err := parseDuration(os.Getenv("REGISTRY_WINDOW"), registry.DefaultWindow)
	if err != nil {
		return Config{}, fmt.Errorf("invalid REGISTRY_WINDOW: %w", err)
	}
	if window <= 0 {
		return Config{}, fmt.Errorf("REGISTRY_WINDOW must be positive, got %s", window)
	}
	return Config{
		Addr:   getenv("REGISTRY_ADDR", ":5000"),
		Window: window,
	}, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

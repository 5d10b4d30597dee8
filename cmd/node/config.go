package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/dreamware/herald/internal/election"
	"github.com/dreamware/herald/internal/mirror"
	"github.com/dreamware/herald/internal/node"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
// This indirection enables test code to intercept fatal errors
// without actually terminating the test process.
var logFatal = log.Fatalf

// Config is the node process configuration.
type Config struct {
	Node         node.Config
	AMQPURL      string
	AMQPExchange string
}

// LoadConfig reads the node configuration from the environment.
//
// Required:
//   - REGISTRY_ADDR: host:port of the registry
//
// Optional:
//   - NODE_IP: advertised address (default "127.0.0.1")
//   - NODE_PORT: listen port, 0 picks a free one (default 0)
//   - CLIENT_ADDR: fixed client address the leader binds (default ":6000", "off" disables)
//   - ANSWER_TIMEOUT, COORDINATOR_TIMEOUT: election timers (default 3s each)
//   - HEARTBEAT_INTERVAL, HEARTBEAT_TIMEOUT: leader probing (default 1s, 2s)
//   - AMQP_URL: mirror every published event to this broker when set
//   - AMQP_EXCHANGE: mirror exchange (default "herald.events")
func LoadConfig() (Config, error) {
	port, err := strconv.Atoi(getenv("NODE_PORT", "0"))
	if err != nil || port < 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid NODE_PORT %q", os.Getenv("NODE_PORT"))
	}

	nc := node.DefaultConfig(getenv("NODE_IP", "127.0.0.1"), port)
	nc.RegistryAddr = mustGetenv("REGISTRY_ADDR")
	nc.ClientAddr = getenv("CLIENT_ADDR", ":6000")
	if nc.ClientAddr == "off" {
		nc.ClientAddr = ""
	}

	def := election.DefaultConfig()
	durations := []struct {
		env string
		def time.Duration
		dst *time.Duration
	}{
		{"ANSWER_TIMEOUT", def.AnswerTimeout, &nc.Election.AnswerTimeout},
		{"COORDINATOR_TIMEOUT", def.CoordinatorTimeout, &nc.Election.CoordinatorTimeout},
		{"HEARTBEAT_INTERVAL", nc.HeartbeatInterval, &nc.HeartbeatInterval},
		{"HEARTBEAT_TIMEOUT", nc.HeartbeatTimeout, &nc.HeartbeatTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(os.Getenv(d.env), d.def)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", d.env, v)
		}
		*d.dst = v
	}

	return Config{
		Node:         nc,
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getenv("AMQP_EXCHANGE", mirror.DefaultExchange),
	}, nil
}

// getenv retrieves an environment variable with a fallback default value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

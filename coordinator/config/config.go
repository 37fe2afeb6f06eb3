// Package config loads coordinator settings from the environment, matching
// the table in SPEC_FULL.md §6.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds every environment-tunable knob for the coordinator process.
type Config struct {
	SharedSecret     string
	NodeStaleSeconds int
	TaskLeaseSeconds int
	StaleScanPeriod  time.Duration
	LeaseScanPeriod  time.Duration
	StorePath        string
	ListenAddr       string
}

// Load reads environment variables into a Config, applying the defaults
// from SPEC_FULL.md §6.
func Load() Config {
	cfg := Config{
		SharedSecret:     os.Getenv("EDGE_MESH_SHARED_SECRET"),
		NodeStaleSeconds: envInt("NODE_STALE_SECONDS", 15),
		TaskLeaseSeconds: envInt("TASK_LEASE_SECONDS", 30),
		StaleScanPeriod:  5 * time.Second,
		LeaseScanPeriod:  3 * time.Second,
		StorePath:        envString("STORE_PATH", "edgemesh.db"),
		ListenAddr:       envString("LISTEN_ADDR", ":8080"),
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func (c Config) NodeStaleDuration() time.Duration {
	return time.Duration(c.NodeStaleSeconds) * time.Second
}

func (c Config) TaskLeaseDuration() time.Duration {
	return time.Duration(c.TaskLeaseSeconds) * time.Second
}

// Package config loads the agent configuration from the environment,
// with optional YAML profile overlays for the timing and governance
// knobs.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full agent configuration.
type Config struct {
	AgentID         string
	Capabilities    []string
	Description     string
	ProtocolVersion string

	RegistryChannel string
	IndexChannel    string

	ReregisterInterval time.Duration
	DiscoveryInterval  time.Duration
	ProposalTimeout    time.Duration
	RequestTimeout     time.Duration
	RequestMaxRetries  int

	RebalanceThreshold float64
	RiskThreshold      float64
	Quorum             float64
	TriggerGuard       string

	LogLevel     string
	DatabasePath string
	RedisAddr    string
}

// Load reads the configuration from environment variables, filling
// defaults for anything unset.
func Load() *Config {
	return &Config{
		AgentID:         getEnv("AGENT_ID", "concord-agent"),
		Capabilities:    []string{"rebalancing", "governance"},
		Description:     getEnv("AGENT_DESCRIPTION", "portfolio governance agent"),
		ProtocolVersion: getEnv("PROTOCOL_VERSION", "1.0.0"),

		RegistryChannel: getEnv("REGISTRY_CHANNEL", "concord.registry"),
		IndexChannel:    getEnv("INDEX_CHANNEL", "concord.index"),

		ReregisterInterval: getDuration("REREGISTER_INTERVAL_MS", time.Minute),
		DiscoveryInterval:  getDuration("DISCOVERY_INTERVAL_MS", time.Minute),
		ProposalTimeout:    getDuration("PROPOSAL_TIMEOUT_MS", 5*time.Minute),
		RequestTimeout:     getDuration("REQUEST_TIMEOUT_MS", 30*time.Second),
		RequestMaxRetries:  getInt("REQUEST_MAX_RETRIES", 2),

		RebalanceThreshold: getFloat("REBALANCE_THRESHOLD", 0.05),
		RiskThreshold:      getFloat("RISK_THRESHOLD", 0.8),
		Quorum:             getFloat("QUORUM", 0),
		TriggerGuard:       os.Getenv("TRIGGER_GUARD"),

		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		DatabasePath: getEnv("DATABASE_PATH", "concord.db"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

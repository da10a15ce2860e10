package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named YAML overlay for the governance and timing knobs.
// Zero values mean "keep the base setting", so a profile only states
// what it changes.
type Profile struct {
	Name string `yaml:"name"`

	ReregisterIntervalMs int `yaml:"reregister_interval_ms"`
	DiscoveryIntervalMs  int `yaml:"discovery_interval_ms"`
	ProposalTimeoutMs    int `yaml:"proposal_timeout_ms"`
	RequestTimeoutMs     int `yaml:"request_timeout_ms"`
	RequestMaxRetries    int `yaml:"request_max_retries"`

	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
	RiskThreshold      float64 `yaml:"risk_threshold"`
	Quorum             float64 `yaml:"quorum"`
	TriggerGuard       string  `yaml:"trigger_guard"`
}

// LoadProfile reads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays the profile's non-zero fields onto the config.
func (p *Profile) Apply(cfg *Config) {
	if p.ReregisterIntervalMs > 0 {
		cfg.ReregisterInterval = msToDuration(p.ReregisterIntervalMs)
	}
	if p.DiscoveryIntervalMs > 0 {
		cfg.DiscoveryInterval = msToDuration(p.DiscoveryIntervalMs)
	}
	if p.ProposalTimeoutMs > 0 {
		cfg.ProposalTimeout = msToDuration(p.ProposalTimeoutMs)
	}
	if p.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = msToDuration(p.RequestTimeoutMs)
	}
	if p.RequestMaxRetries > 0 {
		cfg.RequestMaxRetries = p.RequestMaxRetries
	}
	if p.RebalanceThreshold > 0 {
		cfg.RebalanceThreshold = p.RebalanceThreshold
	}
	if p.RiskThreshold > 0 {
		cfg.RiskThreshold = p.RiskThreshold
	}
	if p.Quorum > 0 {
		cfg.Quorum = p.Quorum
	}
	if p.TriggerGuard != "" {
		cfg.TriggerGuard = p.TriggerGuard
	}
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// config.go: Layered configuration for policies, rules, and scheduling.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where LoadConfig searches for a config file, in
// priority order. The first file found wins.
var DefaultConfigPaths = []string{
	"aegis.yaml",
	"aegis.yml",
	"/etc/aegis/config.yaml",
	"/etc/aegis/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "AEGIS_CONFIG_PATH"

// envPrefix scopes the environment variable layer.
const envPrefix = "AEGIS_"

// SchedulerConfig sets the cadences of the background sweeps.
type SchedulerConfig struct {
	RotationSweepInterval time.Duration `json:"rotation_sweep_interval" koanf:"rotation_sweep_interval"`
	HousekeepingInterval  time.Duration `json:"housekeeping_interval" koanf:"housekeeping_interval"`
}

// Config is the full configuration surface: rotation policies per key type,
// detection rules, and sweep cadences. Keys of Policies are KeyType strings.
type Config struct {
	Policies  map[string]RotationPolicy `json:"policies" koanf:"policies"`
	Rules     []SecurityRule            `json:"rules" koanf:"rules"`
	Scheduler SchedulerConfig           `json:"scheduler" koanf:"scheduler"`
}

// DefaultConfig returns the built-in defaults: the compliance-derived
// rotation policies, no rules, daily rotation sweeps, and 30-second
// housekeeping.
func DefaultConfig() *Config {
	policies := make(map[string]RotationPolicy)
	for t, p := range DefaultRotationPolicies() {
		policies[string(t)] = p
	}
	return &Config{
		Policies: policies,
		Scheduler: SchedulerConfig{
			RotationSweepInterval: 24 * time.Hour,
			HousekeepingInterval:  30 * time.Second,
		},
	}
}

// LoadConfig loads configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. AEGIS_-prefixed environment variables (highest priority)
//
// Environment variables map to config paths by stripping the prefix,
// lowercasing, and turning "__" into nesting:
// AEGIS_SCHEDULER__HOUSEKEEPING_INTERVAL -> scheduler.housekeeping_interval.
func LoadConfig() (*Config, error) {
	return loadConfigFrom(findConfigFile())
}

// LoadConfigFile loads configuration with an explicit file path layered
// over the defaults. The file must exist.
func LoadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return loadConfigFrom(path)
}

func loadConfigFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		key = strings.TrimPrefix(key, envPrefix)
		key = strings.ToLower(key)
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks every policy and rule.
func (c *Config) Validate() error {
	known := make(map[string]bool)
	for _, t := range KeyTypes() {
		known[string(t)] = true
	}
	for name, policy := range c.Policies {
		if !known[name] {
			return fmt.Errorf("policy %q: unknown key type", name)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
	}

	categories := make(map[RuleCategory]bool)
	for _, cat := range RuleCategories() {
		categories[cat] = true
	}
	ids := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if ids[rule.ID] {
			return fmt.Errorf("rule %q: duplicate id", rule.ID)
		}
		ids[rule.ID] = true
		if rule.Name == "" {
			return fmt.Errorf("rule %q: missing name", rule.ID)
		}
		if rule.Severity.Weight() == 0 {
			return fmt.Errorf("rule %q: unknown severity %q", rule.ID, rule.Severity)
		}
		if !categories[rule.Category] {
			return fmt.Errorf("rule %q: unknown category %q", rule.ID, rule.Category)
		}
		if rule.CooldownPeriod < 0 {
			return fmt.Errorf("rule %q: negative cooldown", rule.ID)
		}
		if rule.Enabled && len(rule.Conditions) == 0 {
			return fmt.Errorf("rule %q: enabled with no conditions", rule.ID)
		}
		for j := range rule.Conditions {
			cond := &rule.Conditions[j]
			if cond.Field == "" && cond.Aggregation != AggCount {
				return fmt.Errorf("rule %q condition %d: missing field", rule.ID, j)
			}
			if cond.TimeWindow < 0 {
				return fmt.Errorf("rule %q condition %d: negative time window", rule.ID, j)
			}
		}
	}

	if c.Scheduler.RotationSweepInterval <= 0 {
		return fmt.Errorf("scheduler: rotation sweep interval must be positive")
	}
	if c.Scheduler.HousekeepingInterval <= 0 {
		return fmt.Errorf("scheduler: housekeeping interval must be positive")
	}
	return nil
}

// RotationPolicies converts the string-keyed policy map into the typed map
// the lifecycle manager consumes.
func (c *Config) RotationPolicies() map[KeyType]RotationPolicy {
	out := make(map[KeyType]RotationPolicy, len(c.Policies))
	for name, policy := range c.Policies {
		out[KeyType(name)] = policy
	}
	return out
}

// SecurityRules returns the configured rules as store-ready values.
func (c *Config) SecurityRules() []*SecurityRule {
	out := make([]*SecurityRule, 0, len(c.Rules))
	for i := range c.Rules {
		out = append(out, cloneRule(&c.Rules[i]))
	}
	return out
}

// config_test.go: Test cases for layered configuration loading.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agilira/aegis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := aegis.DefaultConfig()
	require.NoError(t, cfg.Validate())

	policies := cfg.RotationPolicies()
	assert.Equal(t, 90, policies[aegis.KeyTypeDatabaseField].RotationInterval)
	assert.Equal(t, 2555, policies[aegis.KeyTypeDatabaseField].RetentionPeriod)
	assert.Equal(t, 7, policies[aegis.KeyTypeSessionData].RotationInterval)

	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RotationSweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.HousekeepingInterval)
	assert.Empty(t, cfg.SecurityRules())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aegis.yaml")
	yaml := `
policies:
  api_transport:
    rotation_interval: 15
    max_key_age: 45
    retention_period: 180
    auto_rotation: true
    notification_threshold: 3
rules:
  - id: failed_login_threshold
    name: Failed login threshold
    enabled: true
    severity: high
    category: authentication
    cooldown_period: 5
    conditions:
      - type: pattern
        field: action
        operator: equals
        value: login_failed
      - type: threshold
        field: action
        operator: greater_than
        value: 4
        time_window: 15
        aggregation: count
    actions:
      - kind: alert
        target: soc
scheduler:
  housekeeping_interval: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := aegis.LoadConfigFile(path)
	require.NoError(t, err)

	// Overridden policy plus untouched defaults.
	policies := cfg.RotationPolicies()
	assert.Equal(t, 15, policies[aegis.KeyTypeAPITransport].RotationInterval)
	assert.Equal(t, 90, policies[aegis.KeyTypeDatabaseField].RotationInterval)

	rules := cfg.SecurityRules()
	require.Len(t, rules, 1)
	rule := rules[0]
	assert.Equal(t, "failed_login_threshold", rule.ID)
	assert.Equal(t, aegis.SeverityHigh, rule.Severity)
	require.Len(t, rule.Conditions, 2)
	assert.Equal(t, 15, rule.Conditions[1].TimeWindow)
	assert.Equal(t, aegis.AggCount, rule.Conditions[1].Aggregation)
	require.Len(t, rule.Actions, 1)
	assert.Equal(t, aegis.ActionAlert, rule.Actions[0].Kind)

	assert.Equal(t, 45*time.Second, cfg.Scheduler.HousekeepingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RotationSweepInterval)
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := aegis.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("AEGIS_SCHEDULER__HOUSEKEEPING_INTERVAL", "90s")

	cfg, err := aegis.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.HousekeepingInterval)
}

func TestConfigValidate_Errors(t *testing.T) {
	base := func() *aegis.Config { return aegis.DefaultConfig() }

	cfg := base()
	cfg.Policies["no_such_type"] = aegis.RotationPolicy{RotationInterval: 1, MaxKeyAge: 2}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Policies[string(aegis.KeyTypeSessionData)] = aegis.RotationPolicy{RotationInterval: 60, MaxKeyAge: 30}
	assert.Error(t, cfg.Validate(), "rotation interval above max key age must fail")

	cfg = base()
	cfg.Rules = []aegis.SecurityRule{{ID: "r", Name: "r", Severity: "extreme", Category: aegis.CategorySystem}}
	assert.Error(t, cfg.Validate(), "unknown severity must fail")

	cfg = base()
	cfg.Rules = []aegis.SecurityRule{{ID: "r", Name: "r", Severity: aegis.SeverityLow, Category: "nope"}}
	assert.Error(t, cfg.Validate(), "unknown category must fail")

	cfg = base()
	cfg.Rules = []aegis.SecurityRule{{ID: "r", Name: "r", Enabled: true, Severity: aegis.SeverityLow, Category: aegis.CategorySystem}}
	assert.Error(t, cfg.Validate(), "enabled rule without conditions must fail")

	cfg = base()
	cfg.Rules = []aegis.SecurityRule{
		{ID: "r", Name: "a", Severity: aegis.SeverityLow, Category: aegis.CategorySystem},
		{ID: "r", Name: "b", Severity: aegis.SeverityLow, Category: aegis.CategorySystem},
	}
	assert.Error(t, cfg.Validate(), "duplicate rule ids must fail")

	cfg = base()
	cfg.Scheduler.HousekeepingInterval = 0
	assert.Error(t, cfg.Validate())
}

// correlate_test.go: Test cases for the correlation engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"context"
	"testing"
	"time"

	"github.com/agilira/aegis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failedLoginRule() *aegis.SecurityRule {
	return &aegis.SecurityRule{
		ID:       "failed_login_threshold",
		Name:     "Failed login threshold",
		Enabled:  true,
		Severity: aegis.SeverityHigh,
		Category: aegis.CategoryAuthentication,
		Conditions: []aegis.SecurityCondition{
			{Type: aegis.ConditionPattern, Field: "action", Operator: aegis.OpEquals, Value: "login_failed"},
			{Type: aegis.ConditionThreshold, Field: "action", Operator: aegis.OpGreaterThan, Value: 4, TimeWindow: 15, Aggregation: aegis.AggCount},
		},
		Actions:        []aegis.SecurityAction{{Kind: aegis.ActionAlert, Target: "soc"}},
		CooldownPeriod: 5,
	}
}

func newEngineWithRule(t *testing.T, clock aegis.Clock, rule *aegis.SecurityRule, opts ...aegis.EngineOption) (*aegis.CorrelationEngine, *aegis.MemoryRuleStore) {
	t.Helper()
	store := aegis.NewMemoryRuleStore()
	require.NoError(t, store.Put(rule))
	opts = append(opts, aegis.WithEngineClock(clock))
	return aegis.NewCorrelationEngine(store, opts...), store
}

func failedLogin(clock aegis.Clock, user string) aegis.SecurityEvent {
	return aegis.SecurityEvent{
		Timestamp: clock.Now(),
		Category:  aegis.CategoryAuthentication,
		Action:    "login_failed",
		Severity:  aegis.SeverityMedium,
		Actor:     aegis.ActorContext{UserID: user, IPAddress: "203.0.113.9", Resource: "portal"},
	}
}

func TestProcessEvent_WindowedThreshold(t *testing.T) {
	clock := newFakeClock(testEpoch)
	engine, _ := newEngineWithRule(t, clock, failedLoginRule())
	ctx := context.Background()

	// Four failures in the window: below the threshold, no alert.
	var alerts []*aegis.SecurityAlert
	for i := 0; i < 4; i++ {
		got, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-9"))
		require.NoError(t, err)
		alerts = append(alerts, got...)
		clock.Advance(2 * time.Minute)
	}
	assert.Empty(t, alerts)

	// The fifth within 15 minutes crosses count > 4.
	got, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-9"))
	require.NoError(t, err)
	require.Len(t, got, 1)

	alert := got[0]
	assert.Equal(t, "failed_login_threshold", alert.RuleID)
	assert.Equal(t, aegis.SeverityHigh, alert.Severity)
	assert.Equal(t, aegis.StatusOpen, alert.Status)
	assert.Equal(t, "u-9", alert.Context.UserID)
	assert.Equal(t, []string{"u-9"}, alert.Impact.AffectedUsers)
	assert.Equal(t, aegis.SeverityHigh.Weight(), alert.Impact.Score)
}

func TestProcessEvent_OldEventsFallOutOfWindow(t *testing.T) {
	clock := newFakeClock(testEpoch)
	engine, _ := newEngineWithRule(t, clock, failedLoginRule())
	ctx := context.Background()

	// Four failures, then a long gap: the fifth only sees itself.
	for i := 0; i < 4; i++ {
		_, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-9"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	clock.Advance(20 * time.Minute)

	got, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-9"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessEvent_CooldownSuppression(t *testing.T) {
	clock := newFakeClock(testEpoch)
	rule := failedLoginRule()
	rule.Conditions = rule.Conditions[:1] // plain match, no window
	engine, store := newEngineWithRule(t, clock, rule)
	ctx := context.Background()

	first, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-1"))
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Within the 5-minute cooldown: suppressed.
	clock.Advance(2 * time.Minute)
	second, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-1"))
	require.NoError(t, err)
	assert.Empty(t, second)

	// After the cooldown elapses: fires again.
	clock.Advance(4 * time.Minute)
	third, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-1"))
	require.NoError(t, err)
	assert.Len(t, third, 1)

	stored, err := store.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stored.TriggerCount)

	stats := engine.Stats()
	assert.Equal(t, uint64(3), stats.EventsProcessed)
	assert.Equal(t, uint64(2), stats.AlertsRaised)
	assert.Equal(t, uint64(1), stats.CooldownSkips)
}

func TestProcessEvent_IndependentAlertsPerRule(t *testing.T) {
	clock := newFakeClock(testEpoch)
	store := aegis.NewMemoryRuleStore()
	simple := failedLoginRule()
	simple.Conditions = simple.Conditions[:1]
	require.NoError(t, store.Put(simple))

	other := &aegis.SecurityRule{
		ID:       "auth_activity",
		Name:     "Any authentication activity",
		Enabled:  true,
		Severity: aegis.SeverityLow,
		Category: aegis.CategoryAuthentication,
		Conditions: []aegis.SecurityCondition{
			{Type: aegis.ConditionPattern, Field: "category", Operator: aegis.OpEquals, Value: "authentication"},
		},
		CooldownPeriod: 5,
	}
	require.NoError(t, store.Put(other))

	engine := aegis.NewCorrelationEngine(store, aegis.WithEngineClock(clock))
	alerts, err := engine.ProcessEvent(context.Background(), failedLogin(clock, "u-2"))
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
}

func TestProcessEvent_DisabledRuleIgnored(t *testing.T) {
	clock := newFakeClock(testEpoch)
	rule := failedLoginRule()
	rule.Conditions = rule.Conditions[:1]
	rule.Enabled = false
	engine, _ := newEngineWithRule(t, clock, rule)

	alerts, err := engine.ProcessEvent(context.Background(), failedLogin(clock, "u-1"))
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestProcessEvent_MalformedRegexDiagnostic(t *testing.T) {
	clock := newFakeClock(testEpoch)
	rule := &aegis.SecurityRule{
		ID:       "broken_pattern",
		Name:     "Broken pattern rule",
		Enabled:  true,
		Severity: aegis.SeverityLow,
		Category: aegis.CategorySystem,
		Conditions: []aegis.SecurityCondition{
			{Type: aegis.ConditionPattern, Field: "action", Operator: aegis.OpMatches, Value: "([bad"},
		},
	}
	engine, _ := newEngineWithRule(t, clock, rule)

	alerts, err := engine.ProcessEvent(context.Background(), failedLogin(clock, "u-1"))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	select {
	case diag := <-engine.Diagnostics():
		assert.Equal(t, "broken_pattern", diag.RuleID)
	default:
		t.Fatal("Expected a diagnostic for the malformed pattern")
	}
}

type captureDispatcher struct {
	alerts []*aegis.SecurityAlert
}

func (d *captureDispatcher) Execute(ctx context.Context, actions []aegis.SecurityAction, alert *aegis.SecurityAlert) error {
	d.alerts = append(d.alerts, alert)
	return nil
}

func TestProcessEvent_DispatchesActions(t *testing.T) {
	clock := newFakeClock(testEpoch)
	rule := failedLoginRule()
	rule.Conditions = rule.Conditions[:1]
	dispatcher := &captureDispatcher{}
	engine, _ := newEngineWithRule(t, clock, rule, aegis.WithDispatcher(dispatcher))

	alerts, err := engine.ProcessEvent(context.Background(), failedLogin(clock, "u-1"))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Len(t, dispatcher.alerts, 1)
	assert.Equal(t, alerts[0].ID, dispatcher.alerts[0].ID)
}

func TestHousekeeping_PrunesBuffer(t *testing.T) {
	clock := newFakeClock(testEpoch)
	engine, _ := newEngineWithRule(t, clock, failedLoginRule())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-1"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, engine.Stats().BufferedEvents)

	clock.Advance(time.Hour)
	require.NoError(t, engine.Housekeeping(ctx))
	assert.Equal(t, 0, engine.Stats().BufferedEvents)
}

// rule.go: Detection rules, alerts, and the rule repository.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// Severity ranks how serious a rule, event, or alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the numeric risk weight used by metrics aggregation:
// low=1, medium=2, high=3, critical=4. Unknown severities weigh 0.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// RuleCategory classifies what part of the system a rule watches.
type RuleCategory string

const (
	CategoryAuthentication   RuleCategory = "authentication"
	CategoryAccessControl    RuleCategory = "access_control"
	CategoryDataAccess       RuleCategory = "data_access"
	CategoryDataModification RuleCategory = "data_modification"
	CategoryEncryption       RuleCategory = "encryption"
	CategorySession          RuleCategory = "session"
	CategorySystem           RuleCategory = "system"
	CategoryCompliance       RuleCategory = "compliance"
)

// RuleCategories returns all known categories.
func RuleCategories() []RuleCategory {
	return []RuleCategory{
		CategoryAuthentication,
		CategoryAccessControl,
		CategoryDataAccess,
		CategoryDataModification,
		CategoryEncryption,
		CategorySession,
		CategorySystem,
		CategoryCompliance,
	}
}

// ConditionType names the flavor of detection a condition performs.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionPattern   ConditionType = "pattern"
	ConditionAnomaly   ConditionType = "anomaly"
	ConditionTimeBased ConditionType = "time_based"
	ConditionGeoBased  ConditionType = "geo_based"
)

// Operator compares a resolved field (or window aggregate) to a condition's
// reference value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches"
	OpInRange     Operator = "in_range"
)

// Aggregation reduces the events inside a time window to one number.
type Aggregation string

const (
	AggCount Aggregation = "count"
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMax   Aggregation = "max"
	AggMin   Aggregation = "min"
)

// SecurityCondition is one predicate of a rule. A condition with TimeWindow
// set is windowed: Operator compares the Aggregation of matching events over
// the trailing TimeWindow minutes instead of a single event's field.
type SecurityCondition struct {
	Type        ConditionType `json:"type" koanf:"type"`
	Field       string        `json:"field" koanf:"field"`
	Operator    Operator      `json:"operator" koanf:"operator"`
	Value       any           `json:"value" koanf:"value"`
	TimeWindow  int           `json:"time_window,omitempty" koanf:"time_window"` // minutes
	Aggregation Aggregation   `json:"aggregation,omitempty" koanf:"aggregation"`
}

// Windowed reports whether the condition aggregates over a time window.
func (c *SecurityCondition) Windowed() bool { return c.TimeWindow > 0 }

// ActionKind routes a triggered rule to an external collaborator.
type ActionKind string

const (
	ActionAlert      ActionKind = "alert"
	ActionBlock      ActionKind = "block"
	ActionLog        ActionKind = "log"
	ActionNotify     ActionKind = "notify"
	ActionEscalate   ActionKind = "escalate"
	ActionQuarantine ActionKind = "quarantine"
)

// SecurityAction is one step of a rule's ordered response list.
// Params carries collaborator-specific settings (channel, blocklist TTL, ...).
type SecurityAction struct {
	Kind   ActionKind     `json:"kind" koanf:"kind"`
	Target string         `json:"target,omitempty" koanf:"target"`
	Params map[string]any `json:"params,omitempty" koanf:"params"`
}

// SecurityRule is a detection rule: an AND of conditions, an ordered list of
// response actions, and cooldown state so one incident does not produce an
// alert storm.
//
// LastTriggered and TriggerCount are mutated only through the repository's
// MarkTriggered, which serializes updates per rule.
type SecurityRule struct {
	ID             string              `json:"id" koanf:"id"`
	Name           string              `json:"name" koanf:"name"`
	Description    string              `json:"description,omitempty" koanf:"description"`
	Enabled        bool                `json:"enabled" koanf:"enabled"`
	Severity       Severity            `json:"severity" koanf:"severity"`
	Category       RuleCategory        `json:"category" koanf:"category"`
	Conditions     []SecurityCondition `json:"conditions" koanf:"conditions"`
	Actions        []SecurityAction    `json:"actions" koanf:"actions"`
	CooldownPeriod int                 `json:"cooldown_period" koanf:"cooldown_period"` // minutes
	LastTriggered  *time.Time          `json:"last_triggered,omitempty"`
	TriggerCount   uint64              `json:"trigger_count"`
}

// InCooldown reports whether the rule is still suppressed at now.
func (r *SecurityRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil || r.CooldownPeriod <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggered) < time.Duration(r.CooldownPeriod)*time.Minute
}

// MaxTimeWindow returns the largest condition window in minutes, 0 if none.
func (r *SecurityRule) MaxTimeWindow() int {
	max := 0
	for i := range r.Conditions {
		if r.Conditions[i].TimeWindow > max {
			max = r.Conditions[i].TimeWindow
		}
	}
	return max
}

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	StatusOpen          AlertStatus = "open"
	StatusInvestigating AlertStatus = "investigating"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// Terminal reports whether the status permits no further transitions.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// ResponseRecord captures one attempted action during dispatch.
type ResponseRecord struct {
	Kind        ActionKind    `json:"kind"`
	Target      string        `json:"target,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Succeeded   bool          `json:"succeeded"`
	FailureNote string        `json:"failure_note,omitempty"`
}

// Impact is computed once when an alert is created and never revised.
type Impact struct {
	Score          int      `json:"score"` // severity weight
	AffectedUsers  []string `json:"affected_users,omitempty"`
	AffectedAssets []string `json:"affected_assets,omitempty"`
}

// Alert lifecycle errors.
var (
	ErrAlertTerminal   = errors.New("aegis: alert is in a terminal state")
	ErrAlertTransition = errors.New("aegis: invalid alert status transition")
)

const (
	ErrCodeAlertTerminal   = "ALERT_TERMINAL"
	ErrCodeAlertTransition = "ALERT_BAD_TRANSITION"
)

// SecurityAlert is one firing of one rule. Identity, rule linkage, context,
// and impact are fixed at creation; status walks a small state machine and
// events/response grow append-only.
type SecurityAlert struct {
	ID          string           `json:"id"`
	RuleID      string           `json:"rule_id"`
	RuleName    string           `json:"rule_name"`
	Severity    Severity         `json:"severity"`
	Category    RuleCategory     `json:"category"`
	TriggeredAt time.Time        `json:"triggered_at"`
	Status      AlertStatus      `json:"status"`
	Events      []SecurityEvent  `json:"events"`
	Context     ActorContext     `json:"context"`
	Impact      Impact           `json:"impact"`
	Response    []ResponseRecord `json:"response,omitempty"`
	Resolution  string           `json:"resolution,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// Transition moves the alert to a new status, enforcing the state machine:
// open may go to investigating, resolved, or false_positive; investigating
// may go to resolved or false_positive; the two latter are terminal.
// resolution is recorded only on terminal transitions and set exactly once.
func (a *SecurityAlert) Transition(to AlertStatus, resolution string, now time.Time) error {
	if a.Status.Terminal() {
		richErr := goerrors.New(ErrCodeAlertTerminal, fmt.Sprintf("alert %s is already %s", a.ID, a.Status))
		return fmt.Errorf("%w: %w", ErrAlertTerminal, richErr)
	}
	valid := false
	switch a.Status {
	case StatusOpen:
		valid = to == StatusInvestigating || to.Terminal()
	case StatusInvestigating:
		valid = to.Terminal()
	}
	if !valid {
		richErr := goerrors.New(ErrCodeAlertTransition, fmt.Sprintf("cannot move alert %s from %s to %s", a.ID, a.Status, to))
		return fmt.Errorf("%w: %w", ErrAlertTransition, richErr)
	}
	a.Status = to
	if to.Terminal() {
		a.Resolution = resolution
		t := now
		a.ResolvedAt = &t
	}
	return nil
}

// AppendEvent attaches a further triggering event to an open alert.
func (a *SecurityAlert) AppendEvent(event SecurityEvent) {
	a.Events = append(a.Events, event)
}

// Rule repository errors.
var ErrRuleNotFound = errors.New("aegis: security rule not found")

const ErrCodeRuleNotFound = "RULE_NOT_FOUND"

// RuleRepository abstracts rule persistence. TryTrigger must check the
// cooldown and record the firing in one critical section so cooldown is
// monotonically respected under concurrent event processing.
type RuleRepository interface {
	Put(rule *SecurityRule) error
	Get(id string) (*SecurityRule, error)
	ListEnabled() ([]*SecurityRule, error)

	// TryTrigger atomically checks the rule's cooldown at the given instant
	// and, when the rule is not suppressed, records the firing. Returns true
	// when the firing was recorded.
	TryTrigger(id string, at time.Time) (bool, error)

	// MarkTriggered records a firing unconditionally. Administrative use
	// only; event processing goes through TryTrigger.
	MarkTriggered(id string, at time.Time) error

	Delete(id string) error
}

// MemoryRuleStore is the in-process RuleRepository. Every accessor returns
// deep-enough copies that callers cannot mutate stored cooldown state.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*SecurityRule
}

// NewMemoryRuleStore creates an empty rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*SecurityRule)}
}

// Put inserts or replaces a rule. Trigger state of an existing rule with the
// same id is preserved so reloading configuration does not reset cooldowns.
func (s *MemoryRuleStore) Put(rule *SecurityRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneRule(rule)
	if prev, ok := s.rules[rule.ID]; ok {
		stored.LastTriggered = prev.LastTriggered
		stored.TriggerCount = prev.TriggerCount
	}
	s.rules[rule.ID] = stored
	return nil
}

// Get returns a copy of the rule or ErrRuleNotFound.
func (s *MemoryRuleStore) Get(id string) (*SecurityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		richErr := goerrors.New(ErrCodeRuleNotFound, fmt.Sprintf("rule %q does not exist", id))
		return nil, fmt.Errorf("%w: %w", ErrRuleNotFound, richErr)
	}
	return cloneRule(rule), nil
}

// ListEnabled returns copies of all enabled rules, ordered by id for
// deterministic evaluation order.
func (s *MemoryRuleStore) ListEnabled() ([]*SecurityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SecurityRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Enabled {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TryTrigger checks the cooldown and records the firing under one hold of
// the store lock, so two concurrent events inside a cooldown window cannot
// both fire the rule.
func (s *MemoryRuleStore) TryTrigger(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		richErr := goerrors.New(ErrCodeRuleNotFound, fmt.Sprintf("rule %q does not exist", id))
		return false, fmt.Errorf("%w: %w", ErrRuleNotFound, richErr)
	}
	if rule.InCooldown(at) {
		return false, nil
	}
	t := at
	rule.LastTriggered = &t
	rule.TriggerCount++
	return true, nil
}

// MarkTriggered records a firing: sets LastTriggered and increments
// TriggerCount under the store lock.
func (s *MemoryRuleStore) MarkTriggered(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		richErr := goerrors.New(ErrCodeRuleNotFound, fmt.Sprintf("rule %q does not exist", id))
		return fmt.Errorf("%w: %w", ErrRuleNotFound, richErr)
	}
	t := at
	rule.LastTriggered = &t
	rule.TriggerCount++
	return nil
}

// Delete removes a rule. Deleting an unknown id is not an error.
func (s *MemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func cloneRule(rule *SecurityRule) *SecurityRule {
	clone := *rule
	clone.Conditions = append([]SecurityCondition(nil), rule.Conditions...)
	clone.Actions = append([]SecurityAction(nil), rule.Actions...)
	if rule.LastTriggered != nil {
		t := *rule.LastTriggered
		clone.LastTriggered = &t
	}
	return &clone
}

// correlate.go: Event correlation - rules over a sliding window of events.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertDispatcher receives alerts the engine raises, together with the
// triggering rule's ordered action list.
type AlertDispatcher interface {
	Execute(ctx context.Context, actions []SecurityAction, alert *SecurityAlert) error
}

// minBufferRetention floors the event buffer retention so rules without
// windowed conditions still get some recent history.
const minBufferRetention = 15 * time.Minute

// EngineStats is a point-in-time snapshot of the engine's counters.
type EngineStats struct {
	EventsProcessed uint64
	AlertsRaised    uint64
	CooldownSkips   uint64
	BufferedEvents  int
}

// CorrelationEngine feeds security events through every enabled rule and
// raises alerts. It owns a bounded, time-pruned buffer of recent events that
// backs windowed conditions; retention follows the largest window across the
// enabled rules.
type CorrelationEngine struct {
	rules      RuleRepository
	evaluator  *ConditionEvaluator
	dispatcher AlertDispatcher
	clock      Clock
	log        zerolog.Logger

	mu     sync.Mutex
	buffer []SecurityEvent

	statsMu sync.Mutex
	stats   EngineStats

	diagnostics chan Diagnostic
}

// EngineOption customizes a CorrelationEngine.
type EngineOption func(*CorrelationEngine)

// WithEngineClock injects a clock. Defaults to SystemClock.
func WithEngineClock(clock Clock) EngineOption {
	return func(e *CorrelationEngine) { e.clock = clock }
}

// WithEngineLogger injects a structured logger. Defaults to a no-op logger.
func WithEngineLogger(log zerolog.Logger) EngineOption {
	return func(e *CorrelationEngine) { e.log = log }
}

// WithDispatcher attaches the action dispatcher. Without one, alerts are
// still returned from ProcessEvent but no actions run.
func WithDispatcher(d AlertDispatcher) EngineOption {
	return func(e *CorrelationEngine) { e.dispatcher = d }
}

// NewCorrelationEngine creates an engine over the given rule repository.
func NewCorrelationEngine(rules RuleRepository, opts ...EngineOption) *CorrelationEngine {
	e := &CorrelationEngine{
		rules:       rules,
		evaluator:   NewConditionEvaluator(),
		clock:       SystemClock,
		log:         zerolog.Nop(),
		diagnostics: make(chan Diagnostic, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Diagnostics exposes per-condition evaluation problems (malformed regex
// and the like). The channel is buffered; when nobody drains it, further
// diagnostics are dropped rather than blocking event processing.
func (e *CorrelationEngine) Diagnostics() <-chan Diagnostic {
	return e.diagnostics
}

// Stats returns a snapshot of the engine counters.
func (e *CorrelationEngine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.stats
	e.mu.Lock()
	s.BufferedEvents = len(e.buffer)
	e.mu.Unlock()
	return s
}

// ProcessEvent runs one event through every enabled rule and returns the
// alerts raised. Rules fire independently; two rules matching the same
// event produce two alerts. A rule in cooldown is skipped without
// evaluation. Dispatch failures are logged but do not fail the call -
// the alert itself already carries the per-action outcome.
func (e *CorrelationEngine) ProcessEvent(ctx context.Context, event SecurityEvent) ([]*SecurityAlert, error) {
	now := e.clock.Now()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	rules, err := e.rules.ListEnabled()
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeRuleNotFound, "failed to list enabled rules")
		return nil, fmt.Errorf("event correlation failed: %w", richErr)
	}

	e.appendEvent(event, retentionFor(rules))

	e.statsMu.Lock()
	e.stats.EventsProcessed++
	e.statsMu.Unlock()

	var alerts []*SecurityAlert
	for _, rule := range rules {
		if rule.InCooldown(now) {
			e.statsMu.Lock()
			e.stats.CooldownSkips++
			e.statsMu.Unlock()
			continue
		}
		if !e.ruleMatches(rule, &event) {
			continue
		}

		// The pre-check above is only a cheap skip over a cloned snapshot;
		// the store's TryTrigger is the authoritative cooldown gate, so two
		// concurrent matching events cannot both fire the rule.
		fired, err := e.rules.TryTrigger(rule.ID, now)
		if err != nil {
			e.log.Error().Err(err).Str("rule_id", rule.ID).Msg("failed to record rule trigger")
			continue
		}
		if !fired {
			e.statsMu.Lock()
			e.stats.CooldownSkips++
			e.statsMu.Unlock()
			continue
		}

		alert := e.buildAlert(rule, event, now)
		e.statsMu.Lock()
		e.stats.AlertsRaised++
		e.statsMu.Unlock()
		e.log.Warn().
			Str("rule_id", rule.ID).
			Str("rule_name", rule.Name).
			Str("severity", string(rule.Severity)).
			Str("alert_id", alert.ID).
			Msg("security rule triggered")

		if e.dispatcher != nil {
			if err := e.dispatcher.Execute(ctx, rule.Actions, alert); err != nil {
				e.log.Error().Err(err).Str("alert_id", alert.ID).Msg("action dispatch reported failures")
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// ruleMatches evaluates all conditions with logical AND.
func (e *CorrelationEngine) ruleMatches(rule *SecurityRule, event *SecurityEvent) bool {
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		matched, diag := e.evaluator.Evaluate(cond, event, e.aggregatorFor(rule, event))
		if diag != nil {
			diag.RuleID = rule.ID
			e.emitDiagnostic(*diag)
		}
		if !matched {
			return false
		}
	}
	return len(rule.Conditions) > 0
}

// aggregatorFor returns the window aggregator used by this rule's windowed
// conditions: the aggregate runs over buffered events no older than the
// window (ending at the reference event) that satisfy every non-windowed
// condition of the same rule, so a threshold of login failures counts only
// login failures for the same actor the rule pins down.
func (e *CorrelationEngine) aggregatorFor(rule *SecurityRule, ref *SecurityEvent) WindowAggregator {
	return func(cond *SecurityCondition, window time.Duration) (float64, error) {
		cutoff := ref.Timestamp.Add(-window)

		e.mu.Lock()
		candidates := make([]SecurityEvent, 0, len(e.buffer))
		for i := range e.buffer {
			ev := e.buffer[i]
			if ev.Timestamp.Before(cutoff) || ev.Timestamp.After(ref.Timestamp) {
				continue
			}
			candidates = append(candidates, ev)
		}
		e.mu.Unlock()

		var values []float64
		for i := range candidates {
			ev := &candidates[i]
			if !e.plainConditionsMatch(rule, ev) {
				continue
			}
			if cond.Aggregation == AggCount || cond.Aggregation == "" {
				values = append(values, 1)
				continue
			}
			raw, defined := ev.FieldValue(cond.Field)
			if !defined {
				continue
			}
			f, ok := toFloat(raw)
			if !ok {
				return 0, fmt.Errorf("field %q is not numeric on event %s", cond.Field, ev.ID)
			}
			values = append(values, f)
		}

		switch cond.Aggregation {
		case AggCount, "":
			return float64(len(values)), nil
		case AggSum:
			return sumFloats(values), nil
		case AggAvg:
			if len(values) == 0 {
				return 0, nil
			}
			return sumFloats(values) / float64(len(values)), nil
		case AggMax:
			return extremeFloat(values, true), nil
		case AggMin:
			return extremeFloat(values, false), nil
		default:
			return 0, fmt.Errorf("unknown aggregation %q", cond.Aggregation)
		}
	}
}

// plainConditionsMatch evaluates only the rule's non-windowed conditions
// against a buffered event.
func (e *CorrelationEngine) plainConditionsMatch(rule *SecurityRule, event *SecurityEvent) bool {
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		if cond.Windowed() {
			continue
		}
		matched, diag := e.evaluator.Evaluate(cond, event, nil)
		if diag != nil {
			diag.RuleID = rule.ID
			e.emitDiagnostic(*diag)
		}
		if !matched {
			return false
		}
	}
	return true
}

func (e *CorrelationEngine) buildAlert(rule *SecurityRule, event SecurityEvent, now time.Time) *SecurityAlert {
	impact := Impact{Score: rule.Severity.Weight()}
	if event.Actor.UserID != "" {
		impact.AffectedUsers = []string{event.Actor.UserID}
	}
	if event.Actor.Resource != "" {
		impact.AffectedAssets = []string{event.Actor.Resource}
	}
	return &SecurityAlert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Category:    rule.Category,
		TriggeredAt: now,
		Status:      StatusOpen,
		Events:      []SecurityEvent{event},
		Context:     event.Actor,
		Impact:      impact,
	}
}

func (e *CorrelationEngine) appendEvent(event SecurityEvent, retention time.Duration) {
	cutoff := e.clock.Now().Add(-retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, event)
	e.pruneLocked(cutoff)
}

// pruneLocked drops events older than cutoff. The buffer is
// append-ordered, so pruning walks only the expired prefix.
func (e *CorrelationEngine) pruneLocked(cutoff time.Time) {
	keep := 0
	for keep < len(e.buffer) && e.buffer[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		e.buffer = append(e.buffer[:0], e.buffer[keep:]...)
	}
}

// Housekeeping prunes the event buffer. Safe to call repeatedly; the
// scheduler runs it on a sub-minute cadence.
func (e *CorrelationEngine) Housekeeping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rules, err := e.rules.ListEnabled()
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return nil
		}
		return err
	}
	cutoff := e.clock.Now().Add(-retentionFor(rules))
	e.mu.Lock()
	before := len(e.buffer)
	e.pruneLocked(cutoff)
	after := len(e.buffer)
	e.mu.Unlock()
	if before != after {
		e.log.Debug().Int("pruned", before-after).Int("remaining", after).Msg("event buffer pruned")
	}
	return nil
}

func (e *CorrelationEngine) emitDiagnostic(d Diagnostic) {
	select {
	case e.diagnostics <- d:
	default:
		e.log.Debug().Str("rule_id", d.RuleID).Str("field", d.Field).Msg("diagnostics channel full, dropping")
	}
}

// retentionFor derives buffer retention from the largest enabled window.
func retentionFor(rules []*SecurityRule) time.Duration {
	retention := minBufferRetention
	for _, rule := range rules {
		if w := time.Duration(rule.MaxTimeWindow()) * time.Minute; w > retention {
			retention = w
		}
	}
	return retention
}

func sumFloats(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func extremeFloat(values []float64, max bool) float64 {
	if len(values) == 0 {
		return 0
	}
	out := values[0]
	for _, v := range values[1:] {
		if (max && v > out) || (!max && v < out) {
			out = v
		}
	}
	return out
}

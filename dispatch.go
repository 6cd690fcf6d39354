// dispatch.go: Ordered execution of a triggered rule's response actions.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/rs/zerolog"
)

// ErrActionExecutionFailed wraps per-action collaborator failures. It is
// non-fatal: the dispatcher records it and moves on to the next action.
var ErrActionExecutionFailed = errors.New("aegis: action execution failed")

const ErrCodeActionFailed = "ACTION_EXECUTION_FAILED"

// External collaborators. The core routes to them and never implements
// delivery itself; a nil collaborator makes its action kind a recorded
// failure, not a panic.

// AlertNotifier delivers an alert to a human-facing channel.
// Delivery is fire-and-forget from the core's perspective.
type AlertNotifier interface {
	Send(ctx context.Context, channel string, alert *SecurityAlert, urgency Severity) error
}

// AccessController blocks an actor (ip, user, session) for a duration.
type AccessController interface {
	Block(ctx context.Context, actor ActorContext, duration time.Duration) error
}

// AuditLogger is the sink side of the audit trail the engine also reads
// its events from.
type AuditLogger interface {
	LogSecurityEvent(ctx context.Context, category RuleCategory, severity Severity, details map[string]any, actor ActorContext) error
}

// Escalator opens an incident/ticket for an alert.
type Escalator interface {
	Escalate(ctx context.Context, alert *SecurityAlert, target string) error
}

// QuarantineService isolates a compromised resource or session.
type QuarantineService interface {
	Quarantine(ctx context.Context, actor ActorContext, reason string) error
}

// DispatcherCollaborators bundles the external services actions route to.
// Any of them may be nil when the deployment has no such service.
type DispatcherCollaborators struct {
	Notifier   AlertNotifier
	Access     AccessController
	Audit      AuditLogger
	Escalator  Escalator
	Quarantine QuarantineService
}

// ActionDispatcher runs a rule's actions in listed order. One failing
// action never prevents the next from attempting to run; every attempt is
// appended to the alert's Response with its timing and outcome.
type ActionDispatcher struct {
	collab DispatcherCollaborators
	clock  Clock
	log    zerolog.Logger
}

// DispatcherOption customizes an ActionDispatcher.
type DispatcherOption func(*ActionDispatcher)

// WithDispatcherClock injects a clock. Defaults to SystemClock.
func WithDispatcherClock(clock Clock) DispatcherOption {
	return func(d *ActionDispatcher) { d.clock = clock }
}

// WithDispatcherLogger injects a structured logger.
func WithDispatcherLogger(log zerolog.Logger) DispatcherOption {
	return func(d *ActionDispatcher) { d.log = log }
}

// NewActionDispatcher creates a dispatcher over the given collaborators.
func NewActionDispatcher(collab DispatcherCollaborators, opts ...DispatcherOption) *ActionDispatcher {
	d := &ActionDispatcher{collab: collab, clock: SystemClock, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs the actions in order, recording a ResponseRecord per attempt
// on the alert. The returned error joins all per-action failures (nil when
// everything succeeded); callers treat it as informational since the alert
// already carries the detail.
func (d *ActionDispatcher) Execute(ctx context.Context, actions []SecurityAction, alert *SecurityAlert) error {
	started := d.clock.Now()
	var failures []error

	for i := range actions {
		action := &actions[i]
		attemptStart := d.clock.Now()
		err := d.runAction(ctx, action, alert)
		record := ResponseRecord{
			Kind:      action.Kind,
			Target:    action.Target,
			StartedAt: attemptStart,
			Duration:  d.clock.Now().Sub(attemptStart),
			Succeeded: err == nil,
		}
		if err != nil {
			record.FailureNote = err.Error()
			richErr := goerrors.Wrap(err, ErrCodeActionFailed,
				fmt.Sprintf("action %s on alert %s failed", action.Kind, alert.ID))
			failures = append(failures, fmt.Errorf("%w: %w", ErrActionExecutionFailed, richErr))
			d.log.Error().Err(err).
				Str("alert_id", alert.ID).
				Str("action", string(action.Kind)).
				Msg("response action failed")
		}
		alert.Response = append(alert.Response, record)
	}

	d.log.Info().
		Str("alert_id", alert.ID).
		Int("actions", len(actions)).
		Int("failed", len(failures)).
		Dur("response_time", d.clock.Now().Sub(started)).
		Msg("alert response dispatched")

	return errors.Join(failures...)
}

func (d *ActionDispatcher) runAction(ctx context.Context, action *SecurityAction, alert *SecurityAlert) error {
	switch action.Kind {
	case ActionAlert, ActionNotify:
		if d.collab.Notifier == nil {
			return errors.New("no notifier configured")
		}
		channel := action.Target
		if channel == "" {
			channel = "default"
		}
		return d.collab.Notifier.Send(ctx, channel, alert, alert.Severity)
	case ActionBlock:
		if d.collab.Access == nil {
			return errors.New("no access controller configured")
		}
		return d.collab.Access.Block(ctx, alert.Context, blockDuration(action))
	case ActionLog:
		if d.collab.Audit == nil {
			return errors.New("no audit logger configured")
		}
		details := map[string]any{
			"alert_id":  alert.ID,
			"rule_id":   alert.RuleID,
			"rule_name": alert.RuleName,
		}
		for k, v := range action.Params {
			details[k] = v
		}
		return d.collab.Audit.LogSecurityEvent(ctx, alert.Category, alert.Severity, details, alert.Context)
	case ActionEscalate:
		if d.collab.Escalator == nil {
			return errors.New("no escalator configured")
		}
		return d.collab.Escalator.Escalate(ctx, alert, action.Target)
	case ActionQuarantine:
		if d.collab.Quarantine == nil {
			return errors.New("no quarantine service configured")
		}
		reason, _ := action.Params["reason"].(string)
		if reason == "" {
			reason = alert.RuleName
		}
		return d.collab.Quarantine.Quarantine(ctx, alert.Context, reason)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// defaultBlockDuration applies when a block action carries no
// duration_minutes parameter.
const defaultBlockDuration = 30 * time.Minute

func blockDuration(action *SecurityAction) time.Duration {
	if raw, ok := action.Params["duration_minutes"]; ok {
		if minutes, ok := toFloat(raw); ok && minutes > 0 {
			return time.Duration(minutes * float64(time.Minute))
		}
	}
	return defaultBlockDuration
}

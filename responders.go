// responders.go: Pluggable response providers for alert actions.
//
// Response delivery (chat channels, firewalls, ticketing systems, EDR
// quarantine) lives outside the core. This module manages those providers
// as plugins powered by github.com/agilira/go-plugins and adapts whichever
// ones are registered into the dispatcher's collaborator interfaces.
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
	goplugins "github.com/agilira/go-plugins"
)

// ResponderCapability names an action kind a provider can carry out.
type ResponderCapability string

const (
	CapabilityNotify     ResponderCapability = "notify"
	CapabilityBlock      ResponderCapability = "block"
	CapabilityAuditLog   ResponderCapability = "audit_log"
	CapabilityEscalate   ResponderCapability = "escalate"
	CapabilityQuarantine ResponderCapability = "quarantine"
)

// ResponseRequest is the wire request handed to a responder plugin.
type ResponseRequest struct {
	Capability ResponderCapability `json:"capability"`
	Target     string              `json:"target,omitempty"`
	Alert      *SecurityAlert      `json:"alert,omitempty"`
	Actor      ActorContext        `json:"actor"`
	Details    map[string]any      `json:"details,omitempty"`
}

// ResponseResult is the wire response from a responder plugin.
type ResponseResult struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Responder is the interface every response provider implements.
type Responder interface {
	Name() string
	Capabilities() []ResponderCapability

	Initialize(ctx context.Context, config map[string]any) error
	Close() error
	IsHealthy() bool

	Respond(ctx context.Context, req ResponseRequest) (ResponseResult, error)
}

// ResponderManagerConfig configures the responder manager.
type ResponderManagerConfig struct {
	ProviderConfigs  map[string]map[string]any `json:"provider_configs"`
	OperationTimeout time.Duration             `json:"operation_timeout"`
}

// Responder errors.
var (
	ErrResponderNotFound  = goerrors.New("RESPONDER_001", "no responder registered for capability")
	ErrResponderUnhealthy = goerrors.New("RESPONDER_002", "responder failed health check")
	ErrResponderFailed    = goerrors.New("RESPONDER_003", "responder reported failure")
)

// pluginExecutor is the slice of the go-plugins manager the fallback routing
// needs: execute one request against a named plugin.
type pluginExecutor interface {
	Execute(ctx context.Context, pluginName string, request ResponseRequest) (ResponseResult, error)
}

// ResponderManager routes response actions to registered providers. It
// implements AlertNotifier, AccessController, AuditLogger, Escalator, and
// QuarantineService, so a populated manager can back every field of
// DispatcherCollaborators.
//
// Capabilities with no natively registered responder fall back to the plugin
// manager, looked up by capability name, so externally loaded response
// plugins need no in-process registration.
type ResponderManager struct {
	mu            sync.RWMutex
	pluginManager pluginExecutor
	byCapability  map[ResponderCapability]Responder
	config        *ResponderManagerConfig
}

// NewResponderManager creates a responder manager with plugin support.
func NewResponderManager(config *ResponderManagerConfig, pluginManager *goplugins.Manager[ResponseRequest, ResponseResult]) (*ResponderManager, error) {
	if config == nil {
		config = &ResponderManagerConfig{OperationTimeout: 10 * time.Second}
	}
	m := &ResponderManager{
		byCapability: make(map[ResponderCapability]Responder),
		config:       config,
	}
	if pluginManager != nil {
		m.pluginManager = pluginManager
	}
	return m, nil
}

// RegisterResponder initializes a provider and routes its declared
// capabilities to it. A later registration for the same capability wins.
func (m *ResponderManager) RegisterResponder(responder Responder) error {
	if responder == nil {
		return fmt.Errorf("responder cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	if timeout := m.config.OperationTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := responder.Initialize(ctx, m.config.ProviderConfigs[responder.Name()]); err != nil {
		return fmt.Errorf("failed to initialize responder %s: %w", responder.Name(), err)
	}

	for _, cap := range responder.Capabilities() {
		m.byCapability[cap] = responder
	}
	return nil
}

// Close shuts down all registered providers.
func (m *ResponderManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := make(map[string]bool)
	var errs []error
	for _, responder := range m.byCapability {
		if closed[responder.Name()] {
			continue
		}
		closed[responder.Name()] = true
		if err := responder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close responder %s: %w", responder.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close some responders: %v", errs)
	}
	return nil
}

func (m *ResponderManager) responderFor(cap ResponderCapability) (Responder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	responder, ok := m.byCapability[cap]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResponderNotFound, cap)
	}
	if !responder.IsHealthy() {
		return nil, fmt.Errorf("%w: %s", ErrResponderUnhealthy, responder.Name())
	}
	return responder, nil
}

func (m *ResponderManager) respond(ctx context.Context, req ResponseRequest) error {
	responder, err := m.responderFor(req.Capability)
	if errors.Is(err, ErrResponderNotFound) && m.pluginManager != nil {
		return m.respondViaPlugin(ctx, req)
	}
	if err != nil {
		return err
	}
	result, err := responder.Respond(ctx, req)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrResponderFailed, result.Error)
	}
	return nil
}

// respondViaPlugin hands the request to the plugin named after the
// capability. Native responders always take precedence; this runs only when
// none covers the capability.
func (m *ResponderManager) respondViaPlugin(ctx context.Context, req ResponseRequest) error {
	result, err := m.pluginManager.Execute(ctx, string(req.Capability), req)
	if err != nil {
		return fmt.Errorf("%w: plugin %s: %w", ErrResponderFailed, req.Capability, err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrResponderFailed, result.Error)
	}
	return nil
}

// Send implements AlertNotifier.
func (m *ResponderManager) Send(ctx context.Context, channel string, alert *SecurityAlert, urgency Severity) error {
	return m.respond(ctx, ResponseRequest{
		Capability: CapabilityNotify,
		Target:     channel,
		Alert:      alert,
		Actor:      alert.Context,
		Details:    map[string]any{"urgency": string(urgency)},
	})
}

// Block implements AccessController.
func (m *ResponderManager) Block(ctx context.Context, actor ActorContext, duration time.Duration) error {
	return m.respond(ctx, ResponseRequest{
		Capability: CapabilityBlock,
		Actor:      actor,
		Details:    map[string]any{"duration_seconds": duration.Seconds()},
	})
}

// LogSecurityEvent implements AuditLogger.
func (m *ResponderManager) LogSecurityEvent(ctx context.Context, category RuleCategory, severity Severity, details map[string]any, actor ActorContext) error {
	merged := map[string]any{
		"category": string(category),
		"severity": string(severity),
	}
	for k, v := range details {
		merged[k] = v
	}
	return m.respond(ctx, ResponseRequest{
		Capability: CapabilityAuditLog,
		Actor:      actor,
		Details:    merged,
	})
}

// Escalate implements Escalator.
func (m *ResponderManager) Escalate(ctx context.Context, alert *SecurityAlert, target string) error {
	return m.respond(ctx, ResponseRequest{
		Capability: CapabilityEscalate,
		Target:     target,
		Alert:      alert,
		Actor:      alert.Context,
	})
}

// Quarantine implements QuarantineService.
func (m *ResponderManager) Quarantine(ctx context.Context, actor ActorContext, reason string) error {
	return m.respond(ctx, ResponseRequest{
		Capability: CapabilityQuarantine,
		Actor:      actor,
		Details:    map[string]any{"reason": reason},
	})
}

// Collaborators returns the manager wired into every dispatcher slot.
func (m *ResponderManager) Collaborators() DispatcherCollaborators {
	return DispatcherCollaborators{
		Notifier:   m,
		Access:     m,
		Audit:      m,
		Escalator:  m,
		Quarantine: m,
	}
}

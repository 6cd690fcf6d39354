// responders_test.go: Test cases for the pluggable response providers.
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

type fakeResponder struct {
	name         string
	capabilities []aegis.ResponderCapability
	healthy      bool
	initialized  bool
	closed       bool
	requests     []aegis.ResponseRequest
	result       aegis.ResponseResult
}

func (r *fakeResponder) Name() string                                  { return r.name }
func (r *fakeResponder) Capabilities() []aegis.ResponderCapability     { return r.capabilities }
func (r *fakeResponder) IsHealthy() bool                               { return r.healthy }
func (r *fakeResponder) Close() error                                  { r.closed = true; return nil }
func (r *fakeResponder) Initialize(ctx context.Context, config map[string]any) error {
	r.initialized = true
	return nil
}

func (r *fakeResponder) Respond(ctx context.Context, req aegis.ResponseRequest) (aegis.ResponseResult, error) {
	r.requests = append(r.requests, req)
	return r.result, nil
}

func newFakeResponder(caps ...aegis.ResponderCapability) *fakeResponder {
	return &fakeResponder{
		name:         "fake",
		capabilities: caps,
		healthy:      true,
		result:       aegis.ResponseResult{Success: true},
	}
}

func TestResponderManager_Routing(t *testing.T) {
	manager, err := aegis.NewResponderManager(nil, nil)
	require.NoError(t, err)

	responder := newFakeResponder(
		aegis.CapabilityNotify,
		aegis.CapabilityBlock,
		aegis.CapabilityAuditLog,
		aegis.CapabilityEscalate,
		aegis.CapabilityQuarantine,
	)
	require.NoError(t, manager.RegisterResponder(responder))
	assert.True(t, responder.initialized)

	ctx := context.Background()
	alert := testAlert()

	require.NoError(t, manager.Send(ctx, "soc", alert, aegis.SeverityHigh))
	require.NoError(t, manager.Block(ctx, alert.Context, 30*time.Minute))
	require.NoError(t, manager.LogSecurityEvent(ctx, aegis.CategoryAuthentication, aegis.SeverityHigh, map[string]any{"alert_id": alert.ID}, alert.Context))
	require.NoError(t, manager.Escalate(ctx, alert, "tier-2"))
	require.NoError(t, manager.Quarantine(ctx, alert.Context, "compromised session"))

	require.Len(t, responder.requests, 5)
	assert.Equal(t, aegis.CapabilityNotify, responder.requests[0].Capability)
	assert.Equal(t, "soc", responder.requests[0].Target)
	assert.Equal(t, aegis.CapabilityBlock, responder.requests[1].Capability)
	assert.Equal(t, float64(1800), responder.requests[1].Details["duration_seconds"])
	assert.Equal(t, aegis.CapabilityQuarantine, responder.requests[4].Capability)
}

func TestResponderManager_MissingAndUnhealthy(t *testing.T) {
	manager, err := aegis.NewResponderManager(nil, nil)
	require.NoError(t, err)

	// No provider registered for notify.
	err = manager.Send(context.Background(), "soc", testAlert(), aegis.SeverityLow)
	assert.ErrorIs(t, err, aegis.ErrResponderNotFound)

	responder := newFakeResponder(aegis.CapabilityNotify)
	require.NoError(t, manager.RegisterResponder(responder))
	responder.healthy = false
	err = manager.Send(context.Background(), "soc", testAlert(), aegis.SeverityLow)
	assert.ErrorIs(t, err, aegis.ErrResponderUnhealthy)
}

func TestResponderManager_ProviderFailure(t *testing.T) {
	manager, err := aegis.NewResponderManager(nil, nil)
	require.NoError(t, err)

	responder := newFakeResponder(aegis.CapabilityNotify)
	responder.result = aegis.ResponseResult{Success: false, Error: "webhook 503"}
	require.NoError(t, manager.RegisterResponder(responder))

	err = manager.Send(context.Background(), "soc", testAlert(), aegis.SeverityLow)
	assert.ErrorIs(t, err, aegis.ErrResponderFailed)
	assert.Contains(t, err.Error(), "webhook 503")
}

func TestResponderManager_EndToEndDispatch(t *testing.T) {
	manager, err := aegis.NewResponderManager(nil, nil)
	require.NoError(t, err)
	responder := newFakeResponder(aegis.CapabilityNotify, aegis.CapabilityBlock)
	require.NoError(t, manager.RegisterResponder(responder))

	dispatcher := aegis.NewActionDispatcher(manager.Collaborators(), aegis.WithDispatcherClock(newFakeClock(testEpoch)))
	alert := testAlert()
	actions := []aegis.SecurityAction{
		{Kind: aegis.ActionNotify, Target: "soc"},
		{Kind: aegis.ActionBlock},
	}
	require.NoError(t, dispatcher.Execute(context.Background(), actions, alert))
	assert.Len(t, responder.requests, 2)
	assert.Len(t, alert.Response, 2)
}

func TestResponderManager_Close(t *testing.T) {
	manager, err := aegis.NewResponderManager(nil, nil)
	require.NoError(t, err)
	responder := newFakeResponder(aegis.CapabilityNotify, aegis.CapabilityEscalate)
	require.NoError(t, manager.RegisterResponder(responder))

	require.NoError(t, manager.Close())
	assert.True(t, responder.closed)
}

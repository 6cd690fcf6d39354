// event_test.go: Test cases for event field resolution.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"testing"

	"github.com/agilira/aegis"
)

func TestFieldValue(t *testing.T) {
	event := &aegis.SecurityEvent{
		ID:       "evt-1",
		Category: aegis.CategoryAuthentication,
		Action:   "login_failed",
		Severity: aegis.SeverityHigh,
		Actor: aegis.ActorContext{
			UserID:    "u-1",
			Username:  "mallory",
			IPAddress: "203.0.113.9",
			SessionID: "sess-7",
			Resource:  "/admin",
		},
		Details: map[string]any{
			"attempts": 5,
			"mfa":      false,
		},
	}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"id", "evt-1", true},
		{"category", "authentication", true},
		{"action", "login_failed", true},
		{"severity", "high", true},
		{"actor.user_id", "u-1", true},
		{"actor.username", "mallory", true},
		{"actor.ip_address", "203.0.113.9", true},
		{"actor.session_id", "sess-7", true},
		{"actor.resource", "/admin", true},
		{"details.attempts", 5, true},
		{"details.mfa", false, true},
		{"details.missing", nil, false},
		{"actor.unknown", nil, false},
		{"nonsense", nil, false},
		{"", nil, false},
	}
	for _, tc := range tests {
		got, found := event.FieldValue(tc.path)
		if found != tc.found {
			t.Errorf("FieldValue(%q) found = %v, want %v", tc.path, found, tc.found)
			continue
		}
		if found && got != tc.want {
			t.Errorf("FieldValue(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFieldValue_NilDetails(t *testing.T) {
	event := &aegis.SecurityEvent{ID: "evt-2"}
	if _, found := event.FieldValue("details.anything"); found {
		t.Error("Absent detail map must not resolve")
	}
}

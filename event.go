// event.go: Security event model and field resolution for rule evaluation.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"strings"
	"time"
)

// ActorContext identifies who did what from where. Any field may be empty
// when the event source does not know it.
type ActorContext struct {
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Resource  string `json:"resource,omitempty"`
}

// SecurityEvent is a single observed occurrence fed into the correlation
// engine: a login attempt, a record export, a key rotation, and so on.
// Details carries source-specific attributes that rules can address with
// "details.<name>" field paths.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  RuleCategory   `json:"category"`
	Action    string         `json:"action"`
	Severity  Severity       `json:"severity"`
	Actor     ActorContext   `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// FieldValue resolves a dotted field path against the event.
//
// Recognized paths: the top-level fields ("id", "category", "action",
// "severity", "timestamp"), actor fields ("actor.user_id", "actor.username",
// "actor.ip_address", "actor.session_id", "actor.resource"), and arbitrary
// detail attributes ("details.<name>"). An unknown path or an absent detail
// resolves to (nil, false).
func (e *SecurityEvent) FieldValue(path string) (any, bool) {
	switch path {
	case "id":
		return e.ID, true
	case "category":
		return string(e.Category), true
	case "action":
		return e.Action, true
	case "severity":
		return string(e.Severity), true
	case "timestamp":
		return e.Timestamp, true
	case "actor.user_id":
		return e.Actor.UserID, true
	case "actor.username":
		return e.Actor.Username, true
	case "actor.ip_address":
		return e.Actor.IPAddress, true
	case "actor.session_id":
		return e.Actor.SessionID, true
	case "actor.resource":
		return e.Actor.Resource, true
	}
	if name, ok := strings.CutPrefix(path, "details."); ok && e.Details != nil {
		v, present := e.Details[name]
		return v, present
	}
	return nil, false
}

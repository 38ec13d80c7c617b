package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

// Proxy audit events.
const (
	AuditPairOpen    AuditEventType = "pair_open"
	AuditPairClose   AuditEventType = "pair_close"
	AuditAuthFailure AuditEventType = "auth_failure"
	AuditDialFailure AuditEventType = "dial_failure"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`    // consumer remote address
	Resource string `json:"resource,omitempty"` // pair id
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

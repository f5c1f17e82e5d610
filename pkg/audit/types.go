// Package audit records security-relevant events: membership transitions,
// grant changes, permission denials, and cross-tenant elevations.
package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin       EventType = "auth.login"
	EventTypeAuthLogout      EventType = "auth.logout"
	EventTypeAuthLoginFailed EventType = "auth.login_failed"

	// Authorization events
	EventTypeAuthzDenied    EventType = "authz.access_denied"
	EventTypeAuthzElevation EventType = "authz.elevation"
	EventTypeAuthzGrant     EventType = "authz.role_grant"
	EventTypeAuthzRevoke    EventType = "authz.role_revoke"

	// Membership lifecycle events
	EventTypeMemberInvite    EventType = "member.invite"
	EventTypeMemberAccept    EventType = "member.accept"
	EventTypeMemberSuspend   EventType = "member.suspend"
	EventTypeMemberUnsuspend EventType = "member.unsuspend"
	EventTypeMemberRemove    EventType = "member.remove"

	// Data mutation events
	EventTypeRecordCreate EventType = "record.create"
	EventTypeRecordUpdate EventType = "record.update"
	EventTypeRecordDelete EventType = "record.delete"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and scope
	UserID   *int64 `json:"user_id,omitempty"`
	TenantID *int64 `json:"tenant_id,omitempty"`

	// Target
	TargetUserID *int64 `json:"target_user_id,omitempty"`
	Operation    string `json:"operation,omitempty"`

	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	UserID   *int64
	TenantID *int64

	EventTypes []EventType
	Status     *EventStatus

	Limit  int
	Offset int
}

package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification delivered to a tenant's open channels.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// InstanceID is the instance the event is about, if any.
	InstanceID string `json:"instance_id,omitempty"`

	// Kind is the instance kind.
	Kind string `json:"kind,omitempty"`

	// Status is the instance status after the event.
	Status string `json:"status,omitempty"`

	// Address is the instance address after the event.
	Address string `json:"address,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message,omitempty"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeInstanceCreated       = "instance.created"
	EventTypeInstanceStatusChanged = "instance.status_changed"
	EventTypeInstanceReady         = "instance.ready"
	EventTypeInstanceFailed        = "instance.failed"
	EventTypeInstanceRemoved       = "instance.removed"
	EventTypeConfigLoaded          = "instance.config_loaded"
	EventTypeReconcileCompleted    = "reconcile.completed"
	EventTypeHeartbeat             = "heartbeat"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// normalized fills in the id, timestamp and level when they are unset.
func (e Event) normalized() Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = EventLevelInfo
	}
	return e
}

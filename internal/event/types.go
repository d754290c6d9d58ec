package event

import "time"

// Instance lifecycle event types.
const (
	InstanceCreated  = "instance_created"
	InstanceSpawning = "instance_spawning"
	InstanceExited   = "instance_exited"
	InstanceClosed   = "instance_closed"
	SessionBound     = "session_bound"
)

// InstanceEvent tells the UI that a tab's instance changed state.
type InstanceEvent struct {
	EventType   string
	InstanceID  string
	DisplayName string
	SessionID   string
	OccurredAt  time.Time
}

func NewInstanceEvent(instanceID, displayName, eventType string) InstanceEvent {
	return InstanceEvent{
		EventType:   eventType,
		InstanceID:  instanceID,
		DisplayName: displayName,
		OccurredAt:  time.Now().UTC(),
	}
}

func (e InstanceEvent) Type() string {
	return e.EventType
}

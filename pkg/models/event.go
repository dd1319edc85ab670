package models

import "time"

// EventType names a pipeline event
type EventType string

const (
	EventExecutionCompleted EventType = "execution.completed"
	EventAlertTriggered     EventType = "alert.triggered"
	EventAlertResolved      EventType = "alert.resolved"
	EventAlertSuppressed    EventType = "alert.suppressed"
	EventAlertSnoozed       EventType = "alert.snoozed"
)

// Event is published to the bus and the live stream
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	UserID     int64          `json:"userId"`
	QueryID    int64          `json:"queryId"`
	AlertID    int64          `json:"alertId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

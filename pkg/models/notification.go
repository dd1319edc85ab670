package models

import "time"

// NotificationStatus is the outcome of one delivery attempt
type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// AlertNotification logs one delivery attempt on one channel
type AlertNotification struct {
	ID           int64              `json:"id"`
	AlertID      int64              `json:"alertId"`
	Channel      Channel            `json:"channel"`
	SentAt       time.Time          `json:"sentAt"`
	Status       NotificationStatus `json:"status"`
	Content      map[string]any     `json:"content"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

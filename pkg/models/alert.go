package models

import (
	"fmt"
	"time"
)

// Severity of an alert. Ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
	AlertStatusSnoozed  AlertStatus = "snoozed"
)

// Channel is a notification transport
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// AlertCondition decides whether a rule fires for an evaluation. With a
// metric set the metric is compared against value, otherwise the verdict
// must be one of Verdicts (fail and warn when empty).
type AlertCondition struct {
	Verdicts []Verdict `json:"verdicts,omitempty"`
	Metric   string    `json:"metric,omitempty"`
	Operator string    `json:"operator,omitempty"`
	Value    *float64  `json:"value,omitempty"`
}

// AlertRule is the alert configuration attached to a query
type AlertRule struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Severity             Severity       `json:"severity,omitempty"`
	Condition            AlertCondition `json:"condition"`
	Disabled             bool           `json:"disabled,omitempty"`
	NotificationChannels []Channel      `json:"notificationChannels,omitempty"`
	EmailRecipients      []string       `json:"emailRecipients,omitempty"`
	SlackWebhook         string         `json:"slackWebhook,omitempty"`
	CustomWebhook        string         `json:"customWebhook,omitempty"`
	ThrottleMinutes      int            `json:"throttleMinutes"`
	NotifyOnResolve      bool           `json:"notifyOnResolve,omitempty"`
}

// Alert is one incident raised for a query rule
type Alert struct {
	ID                   int64          `json:"id"`
	UserID               int64          `json:"userId"`
	QueryID              int64          `json:"queryId"`
	SpaceID              *int64         `json:"spaceId,omitempty"`
	ExecutionResultID    *int64         `json:"executionResultId,omitempty"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Severity             Severity       `json:"severity"`
	Condition            AlertCondition `json:"condition"`
	Status               AlertStatus    `json:"status"`
	Enabled              bool           `json:"enabled"`
	NotificationChannels []Channel      `json:"notificationChannels"`
	EmailRecipients      []string       `json:"emailRecipients,omitempty"`
	SlackWebhook         string         `json:"slackWebhook,omitempty"`
	CustomWebhook        string         `json:"customWebhook,omitempty"`
	ThrottleMinutes      int            `json:"throttleMinutes"`
	LastTriggeredAt      *time.Time     `json:"lastTriggeredAt,omitempty"`
	SnoozedUntil         *time.Time     `json:"snoozedUntil,omitempty"`
	SuppressedCount      int            `json:"suppressedCount"`
	LastSuppressedAt     *time.Time     `json:"lastSuppressedAt,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
	ResolvedAt           *time.Time     `json:"resolvedAt,omitempty"`
	// Version increases on every update; writes carrying a stale version fail
	Version int64 `json:"version"`
}

// Open reports whether the alert still takes part in evaluation
func (a *Alert) Open() bool {
	return a.Status == AlertStatusActive || a.Status == AlertStatusSnoozed
}

// Validate enforces the status/resolvedAt pairing every stored alert keeps
func (a *Alert) Validate() error {
	switch a.Status {
	case AlertStatusActive, AlertStatusSnoozed:
		if a.ResolvedAt != nil {
			return fmt.Errorf("%w: %s alert must not carry resolvedAt", ErrInvalidInput, a.Status)
		}
	case AlertStatusResolved:
		if a.ResolvedAt == nil {
			return fmt.Errorf("%w: resolved alert requires resolvedAt", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown alert status %q", ErrInvalidInput, a.Status)
	}
	if a.Status == AlertStatusSnoozed && a.SnoozedUntil == nil {
		return fmt.Errorf("%w: snoozed alert requires snoozedUntil", ErrInvalidInput)
	}
	return nil
}

// AlertFilter narrows alert listings
type AlertFilter struct {
	UserID  int64
	QueryID int64
	Status  AlertStatus
	Limit   int
}

// Match reports whether a passes the filter
func (f AlertFilter) Match(a *Alert) bool {
	if f.UserID != 0 && a.UserID != f.UserID {
		return false
	}
	if f.QueryID != 0 && a.QueryID != f.QueryID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

// SnoozeAlertRequest represents the payload for snoozing an alert
type SnoozeAlertRequest struct {
	Minutes int        `json:"minutes,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// Deadline resolves the request to an absolute snooze end
func (r SnoozeAlertRequest) Deadline(now time.Time) (time.Time, error) {
	if r.Until != nil {
		if !r.Until.After(now) {
			return time.Time{}, fmt.Errorf("%w: until must be in the future", ErrInvalidInput)
		}
		return *r.Until, nil
	}
	if r.Minutes <= 0 {
		return time.Time{}, fmt.Errorf("%w: minutes or until is required", ErrInvalidInput)
	}
	return now.Add(time.Duration(r.Minutes) * time.Minute), nil
}

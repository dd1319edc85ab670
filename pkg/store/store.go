// Package store persists queries, execution results, alerts and
// notifications in the dashboard's DB QA tables.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// QueryStore holds query definitions and their schedule
type QueryStore interface {
	CreateQuery(ctx context.Context, q *models.Query) error
	GetQuery(ctx context.Context, id int64) (*models.Query, error)
	ListQueries(ctx context.Context, filter models.QueryFilter) ([]*models.Query, error)
	UpdateQuery(ctx context.Context, q *models.Query) error
	// DeleteQuery removes the query together with its results, alerts and
	// notifications.
	DeleteQuery(ctx context.Context, id int64) error
	// ListDueQueries returns enabled non-manual queries whose next execution
	// time is at or before now.
	ListDueQueries(ctx context.Context, now time.Time) ([]*models.Query, error)
	// MarkExecuted records a run start and the next execution time in one
	// update. nextAt is dropped when the query is manual or disabled by the
	// time the update lands.
	MarkExecuted(ctx context.Context, id int64, startedAt time.Time, nextAt *time.Time) error
}

// ResultStore holds immutable execution results
type ResultStore interface {
	CreateResult(ctx context.Context, r *models.ExecutionResult) error
	GetResult(ctx context.Context, id int64) (*models.ExecutionResult, error)
	// ListResults returns the newest results of a query first
	ListResults(ctx context.Context, queryID int64, limit int) ([]*models.ExecutionResult, error)
}

// AlertStore holds alerts
type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
	// ListOpenAlerts returns the active and snoozed alerts of a query
	ListOpenAlerts(ctx context.Context, queryID int64) ([]*models.Alert, error)
	// UpdateAlert writes every mutable column in one statement when the
	// stored version equals a.Version, bumping it; a stale version yields
	// ErrConflict. LastTriggeredAt never moves backwards.
	UpdateAlert(ctx context.Context, a *models.Alert) error
}

// NotificationStore holds the notification log
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.AlertNotification) error
	ListNotifications(ctx context.Context, alertID int64) ([]*models.AlertNotification, error)
}

// ConnectionStore reads connection records
type ConnectionStore interface {
	GetConnection(ctx context.Context, id int64) (*models.Connection, error)
}

// Store is the full persistence surface used by the service
type Store interface {
	QueryStore
	ResultStore
	AlertStore
	NotificationStore
	ConnectionStore
	Close()
}

// DefaultResultLimit caps result listings without an explicit limit
const DefaultResultLimit = 50

// normalizeSchedule keeps nextExecutionTime consistent with the enabled
// flag and frequency of q.
func normalizeSchedule(q *models.Query, now time.Time) {
	if !q.Scheduled() {
		q.NextExecutionTime = nil
		return
	}
	if q.NextExecutionTime == nil {
		due := now
		q.NextExecutionTime = &due
	}
	if q.LastExecutionTime != nil && q.NextExecutionTime.Before(*q.LastExecutionTime) {
		q.NextExecutionTime = models.NextExecution(q, *q.LastExecutionTime)
	}
}

func joinRecipients(recipients []string) string {
	return strings.Join(recipients, ",")
}

func splitRecipients(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resultLimit(limit int) int {
	if limit <= 0 {
		return DefaultResultLimit
	}
	return limit
}

func laterOf(current, next *time.Time) *time.Time {
	if current == nil {
		return next
	}
	if next == nil || next.Before(*current) {
		return current
	}
	return next
}

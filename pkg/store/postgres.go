package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/models"
)

// PostgresStore implements Store on the dashboard database
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pool and verifies the database is reachable
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Infof("Connected to database %s", poolCfg.ConnConfig.Database)
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Ping checks the pool can reach the database
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const querySelect = `
SELECT q.id, q.user_id, q.connection_id, q.space_id, q.name, COALESCE(q.description, ''),
       q.category, q.query, q.expected_result, q.thresholds, q.alert_rules, q.timeout_seconds,
       COALESCE(q.enabled, true), COALESCE(q.execution_frequency, 'manual'),
       q.last_execution_time, q.next_execution_time,
       COALESCE(q.created_at, now()), COALESCE(q.updated_at, now()),
       COALESCE(r.status, '')
FROM db_qa_queries q
LEFT JOIN LATERAL (
    SELECT status FROM db_qa_execution_results
    WHERE query_id = q.id
    ORDER BY execution_time DESC, id DESC
    LIMIT 1
) r ON true`

func scanQuery(row pgx.Row) (*models.Query, error) {
	var (
		q                                models.Query
		category, frequency, lastStatus  string
		expected, thresholds, alertRules []byte
	)
	err := row.Scan(&q.ID, &q.UserID, &q.ConnectionID, &q.SpaceID, &q.Name, &q.Description,
		&category, &q.SQL, &expected, &thresholds, &alertRules, &q.TimeoutSeconds,
		&q.Enabled, &frequency, &q.LastExecutionTime, &q.NextExecutionTime,
		&q.CreatedAt, &q.UpdatedAt, &lastStatus)
	if err != nil {
		return nil, err
	}
	q.Category = models.Category(category)
	q.ExecutionFrequency = models.Frequency(frequency)
	q.LastRunStatus = models.ExecutionStatus(lastStatus)

	if err := unmarshalColumn(expected, &q.ExpectedResult); err != nil {
		return nil, fmt.Errorf("failed to decode expected_result of query %d: %w", q.ID, err)
	}
	if err := unmarshalColumn(thresholds, &q.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds of query %d: %w", q.ID, err)
	}
	if err := unmarshalColumn(alertRules, &q.AlertRules); err != nil {
		return nil, fmt.Errorf("failed to decode alert_rules of query %d: %w", q.ID, err)
	}
	return &q, nil
}

func unmarshalColumn(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func marshalColumn(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateQuery inserts q and fills its id and timestamps
func (s *PostgresStore) CreateQuery(ctx context.Context, q *models.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	now := s.now()
	normalizeSchedule(q, now)

	expected, err := marshalColumn(q.ExpectedResult)
	if err != nil {
		return fmt.Errorf("failed to encode expected result: %w", err)
	}
	thresholds, err := json.Marshal(q.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}
	rules, err := json.Marshal(nonNilRules(q.AlertRules))
	if err != nil {
		return fmt.Errorf("failed to encode alert rules: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO db_qa_queries (user_id, connection_id, space_id, name, description, category, query,
			expected_result, thresholds, alert_rules, timeout_seconds, enabled, execution_frequency,
			last_execution_time, next_execution_time, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		RETURNING id`,
		q.UserID, q.ConnectionID, q.SpaceID, q.Name, q.Description, string(q.Category), q.SQL,
		expected, thresholds, rules, q.TimeoutSeconds, q.Enabled, string(q.ExecutionFrequency),
		utc(q.LastExecutionTime), utc(q.NextExecutionTime), now,
	).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}
	q.CreatedAt, q.UpdatedAt = now, now
	return nil
}

// GetQuery loads one query
func (s *PostgresStore) GetQuery(ctx context.Context, id int64) (*models.Query, error) {
	q, err := scanQuery(s.pool.QueryRow(ctx, querySelect+` WHERE q.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load query %d: %w", id, err)
	}
	return q, nil
}

// ListQueries returns queries matching the filter ordered by id
func (s *PostgresStore) ListQueries(ctx context.Context, filter models.QueryFilter) ([]*models.Query, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != 0 {
		add("q.user_id = $%d", filter.UserID)
	}
	if filter.SpaceID != nil {
		add("q.space_id = $%d", *filter.SpaceID)
	}
	if filter.ConnectionID != 0 {
		add("q.connection_id = $%d", filter.ConnectionID)
	}
	if filter.Category != "" {
		add("q.category = $%d", string(filter.Category))
	}
	if filter.Frequency != "" {
		add("q.execution_frequency = $%d", string(filter.Frequency))
	}
	if filter.Enabled != nil {
		add("COALESCE(q.enabled, true) = $%d", *filter.Enabled)
	}
	if filter.RunStatus != "" {
		add("r.status = $%d", string(filter.RunStatus))
	}

	sql := querySelect
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY q.id"
	return s.listQueries(ctx, sql, args...)
}

// ListDueQueries returns the queries the scheduler must run at now
func (s *PostgresStore) ListDueQueries(ctx context.Context, now time.Time) ([]*models.Query, error) {
	return s.listQueries(ctx, querySelect+`
		WHERE COALESCE(q.enabled, true)
		  AND q.execution_frequency <> 'manual'
		  AND q.next_execution_time IS NOT NULL
		  AND q.next_execution_time <= $1
		ORDER BY q.next_execution_time, q.id`, now.UTC())
}

func (s *PostgresStore) listQueries(ctx context.Context, sql string, args ...any) ([]*models.Query, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	queries := []*models.Query{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// UpdateQuery writes the editable fields of q and normalizes its schedule
func (s *PostgresStore) UpdateQuery(ctx context.Context, q *models.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	now := s.now()
	normalizeSchedule(q, now)

	expected, err := marshalColumn(q.ExpectedResult)
	if err != nil {
		return fmt.Errorf("failed to encode expected result: %w", err)
	}
	thresholds, err := json.Marshal(q.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}
	rules, err := json.Marshal(nonNilRules(q.AlertRules))
	if err != nil {
		return fmt.Errorf("failed to encode alert rules: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE db_qa_queries SET connection_id=$2, space_id=$3, name=$4, description=$5, category=$6,
			query=$7, expected_result=$8, thresholds=$9, alert_rules=$10, timeout_seconds=$11,
			enabled=$12, execution_frequency=$13, next_execution_time=$14, updated_at=$15
		WHERE id=$1`,
		q.ID, q.ConnectionID, q.SpaceID, q.Name, q.Description, string(q.Category), q.SQL,
		expected, thresholds, rules, q.TimeoutSeconds, q.Enabled, string(q.ExecutionFrequency),
		utc(q.NextExecutionTime), now)
	if err != nil {
		return fmt.Errorf("failed to update query %d: %w", q.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("query %d: %w", q.ID, models.ErrNotFound)
	}
	q.UpdatedAt = now
	return nil
}

// DeleteQuery cascades through notifications, alerts and results in one
// transaction.
func (s *PostgresStore) DeleteQuery(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	statements := []string{
		`DELETE FROM db_qa_alert_notifications WHERE alert_id IN (SELECT id FROM db_qa_alerts WHERE query_id = $1)`,
		`DELETE FROM db_qa_alerts WHERE query_id = $1`,
		`DELETE FROM db_qa_execution_results WHERE query_id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete query %d dependents: %w", id, err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM db_qa_queries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete query %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("query %d: %w", id, models.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// MarkExecuted updates both schedule columns in one statement
func (s *PostgresStore) MarkExecuted(ctx context.Context, id int64, startedAt time.Time, nextAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE db_qa_queries SET
			last_execution_time = $2,
			next_execution_time = CASE
				WHEN COALESCE(enabled, true) AND execution_frequency <> 'manual' THEN $3::timestamp
				ELSE NULL
			END,
			updated_at = now()
		WHERE id = $1`, id, startedAt.UTC(), utc(nextAt))
	if err != nil {
		return fmt.Errorf("failed to mark query %d executed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("query %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// CreateResult inserts an execution result
func (s *PostgresStore) CreateResult(ctx context.Context, r *models.ExecutionResult) error {
	result, err := json.Marshal(nonNilRows(r.Result))
	if err != nil {
		return fmt.Errorf("failed to encode result rows: %w", err)
	}
	metrics, err := marshalColumn(r.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO db_qa_execution_results (query_id, execution_time, status, result, metrics,
			execution_duration, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7, ''))
		RETURNING id`,
		r.QueryID, r.ExecutionTime.UTC(), string(r.Status), result, metrics, r.ExecutionDuration, r.ErrorMessage,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert execution result: %w", err)
	}
	return nil
}

const resultSelect = `
SELECT id, query_id, COALESCE(execution_time, now()), status, result, metrics,
       COALESCE(execution_duration, 0), COALESCE(error_message, '')
FROM db_qa_execution_results`

func scanResult(row pgx.Row) (*models.ExecutionResult, error) {
	var (
		r               models.ExecutionResult
		status          string
		result, metrics []byte
	)
	if err := row.Scan(&r.ID, &r.QueryID, &r.ExecutionTime, &status, &result, &metrics,
		&r.ExecutionDuration, &r.ErrorMessage); err != nil {
		return nil, err
	}
	r.Status = models.ExecutionStatus(status)
	// Rows written by the dashboard default result to an empty object
	if len(result) > 0 && result[0] == '[' {
		if err := json.Unmarshal(result, &r.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of %d: %w", r.ID, err)
		}
	}
	if err := unmarshalColumn(metrics, &r.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics of %d: %w", r.ID, err)
	}
	return &r, nil
}

// GetResult loads one execution result
func (s *PostgresStore) GetResult(ctx context.Context, id int64) (*models.ExecutionResult, error) {
	r, err := scanResult(s.pool.QueryRow(ctx, resultSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution result %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution result %d: %w", id, err)
	}
	return r, nil
}

// ListResults returns the newest results of a query first
func (s *PostgresStore) ListResults(ctx context.Context, queryID int64, limit int) ([]*models.ExecutionResult, error) {
	rows, err := s.pool.Query(ctx, resultSelect+`
		WHERE query_id = $1 ORDER BY execution_time DESC, id DESC LIMIT $2`, queryID, resultLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list execution results: %w", err)
	}
	defer rows.Close()

	results := []*models.ExecutionResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

const alertSelect = `
SELECT id, user_id, query_id, space_id, execution_result_id, name, COALESCE(description, ''),
       severity, condition, status, COALESCE(enabled, true), notification_channels,
       COALESCE(email_recipients, ''), COALESCE(slack_webhook, ''), COALESCE(custom_webhook, ''),
       COALESCE(throttle_minutes, 60), last_triggered_at, snoozed_until, suppressed_count,
       last_suppressed_at, COALESCE(created_at, now()), COALESCE(updated_at, now()), resolved_at, version
FROM db_qa_alerts`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var (
		a                        models.Alert
		severity, status, emails string
		condition, channels      []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.QueryID, &a.SpaceID, &a.ExecutionResultID, &a.Name,
		&a.Description, &severity, &condition, &status, &a.Enabled, &channels, &emails,
		&a.SlackWebhook, &a.CustomWebhook, &a.ThrottleMinutes, &a.LastTriggeredAt, &a.SnoozedUntil,
		&a.SuppressedCount, &a.LastSuppressedAt, &a.CreatedAt, &a.UpdatedAt, &a.ResolvedAt, &a.Version); err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.EmailRecipients = splitRecipients(emails)
	if err := unmarshalColumn(condition, &a.Condition); err != nil {
		return nil, fmt.Errorf("failed to decode condition of alert %d: %w", a.ID, err)
	}
	if err := unmarshalColumn(channels, &a.NotificationChannels); err != nil {
		return nil, fmt.Errorf("failed to decode channels of alert %d: %w", a.ID, err)
	}
	return &a, nil
}

// CreateAlert inserts a and fills its id and timestamps
func (s *PostgresStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	condition, err := json.Marshal(a.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}
	channels, err := json.Marshal(nonNilChannels(a.NotificationChannels))
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}

	now := s.now()
	err = s.pool.QueryRow(ctx, `
		INSERT INTO db_qa_alerts (user_id, query_id, space_id, execution_result_id, name, description,
			severity, condition, status, enabled, notification_channels, email_recipients, slack_webhook,
			custom_webhook, throttle_minutes, last_triggered_at, snoozed_until, suppressed_count,
			last_suppressed_at, created_at, updated_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),NULLIF($13,''),NULLIF($14,''),$15,$16,$17,$18,$19,$20,$20,$21)
		RETURNING id, version`,
		a.UserID, a.QueryID, a.SpaceID, a.ExecutionResultID, a.Name, a.Description,
		string(a.Severity), condition, string(a.Status), a.Enabled, channels, joinRecipients(a.EmailRecipients),
		a.SlackWebhook, a.CustomWebhook, a.ThrottleMinutes, utc(a.LastTriggeredAt), utc(a.SnoozedUntil),
		a.SuppressedCount, utc(a.LastSuppressedAt), now, utc(a.ResolvedAt),
	).Scan(&a.ID, &a.Version)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

// GetAlert loads one alert
func (s *PostgresStore) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, alertSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %d: %w", id, err)
	}
	return a, nil
}

// ListAlerts returns alerts matching the filter, newest first
func (s *PostgresStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != 0 {
		add("user_id = $%d", filter.UserID)
	}
	if filter.QueryID != 0 {
		add("query_id = $%d", filter.QueryID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	sql := alertSelect
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, resultLimit(filter.Limit))
	sql += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	return s.listAlerts(ctx, sql, args...)
}

// ListOpenAlerts returns the active and snoozed alerts of a query
func (s *PostgresStore) ListOpenAlerts(ctx context.Context, queryID int64) ([]*models.Alert, error) {
	return s.listAlerts(ctx, alertSelect+`
		WHERE query_id = $1 AND status IN ('active', 'snoozed') ORDER BY id`, queryID)
}

func (s *PostgresStore) listAlerts(ctx context.Context, sql string, args ...any) ([]*models.Alert, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UpdateAlert writes the mutable columns of a when the stored version still
// matches a.Version, and returns ErrConflict otherwise. last_triggered_at
// only moves forward.
func (s *PostgresStore) UpdateAlert(ctx context.Context, a *models.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	condition, err := json.Marshal(a.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}
	channels, err := json.Marshal(nonNilChannels(a.NotificationChannels))
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}

	now := s.now()
	err = s.pool.QueryRow(ctx, `
		UPDATE db_qa_alerts SET execution_result_id=$2, name=$3, description=$4, severity=$5, condition=$6,
			status=$7, enabled=$8, notification_channels=$9, email_recipients=NULLIF($10,''),
			slack_webhook=NULLIF($11,''), custom_webhook=NULLIF($12,''), throttle_minutes=$13,
			last_triggered_at=GREATEST(last_triggered_at, $14::timestamp), snoozed_until=$15,
			suppressed_count=$16, last_suppressed_at=$17, resolved_at=$18, updated_at=$19,
			version=version+1
		WHERE id=$1 AND version=$20
		RETURNING last_triggered_at, version`,
		a.ID, a.ExecutionResultID, a.Name, a.Description, string(a.Severity), condition,
		string(a.Status), a.Enabled, channels, joinRecipients(a.EmailRecipients), a.SlackWebhook,
		a.CustomWebhook, a.ThrottleMinutes, utc(a.LastTriggeredAt), utc(a.SnoozedUntil),
		a.SuppressedCount, utc(a.LastSuppressedAt), utc(a.ResolvedAt), now, a.Version,
	).Scan(&a.LastTriggeredAt, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM db_qa_alerts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check alert %d: %w", a.ID, err)
		}
		if exists {
			return fmt.Errorf("alert %d version %d: %w", a.ID, a.Version, models.ErrConflict)
		}
		return fmt.Errorf("alert %d: %w", a.ID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update alert %d: %w", a.ID, err)
	}
	a.UpdatedAt = now
	return nil
}

// CreateNotification appends to the notification log
func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.AlertNotification) error {
	content, err := marshalColumn(n.Content)
	if err != nil {
		return fmt.Errorf("failed to encode notification content: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO db_qa_alert_notifications (alert_id, channel, sent_at, status, content, error_message)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''))
		RETURNING id`,
		n.AlertID, string(n.Channel), n.SentAt.UTC(), string(n.Status), content, n.ErrorMessage,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the delivery log of an alert, newest first
func (s *PostgresStore) ListNotifications(ctx context.Context, alertID int64) ([]*models.AlertNotification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, alert_id, channel, COALESCE(sent_at, now()), status, content, COALESCE(error_message, '')
		FROM db_qa_alert_notifications WHERE alert_id = $1 ORDER BY sent_at DESC, id DESC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*models.AlertNotification{}
	for rows.Next() {
		var (
			n               models.AlertNotification
			channel, status string
			content         []byte
		)
		if err := rows.Scan(&n.ID, &n.AlertID, &channel, &n.SentAt, &status, &content, &n.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Channel = models.Channel(channel)
		n.Status = models.NotificationStatus(status)
		if err := unmarshalColumn(content, &n.Content); err != nil {
			return nil, fmt.Errorf("failed to decode notification %d: %w", n.ID, err)
		}
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

// GetConnection loads a connection record
func (s *PostgresStore) GetConnection(ctx context.Context, id int64) (*models.Connection, error) {
	var (
		c   models.Connection
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, space_id, name, type, config FROM connections WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.SpaceID, &c.Name, &c.Type, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("connection %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %d: %w", id, err)
	}
	if err := unmarshalColumn(raw, &c.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of connection %d: %w", id, err)
	}
	return &c, nil
}

// CreateConnection inserts a connection record
func (s *PostgresStore) CreateConnection(ctx context.Context, c *models.Connection) error {
	raw, err := marshalColumn(c.Config)
	if err != nil {
		return fmt.Errorf("failed to encode connection config: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO connections (user_id, space_id, name, type, config) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		c.UserID, c.SpaceID, c.Name, c.Type, raw,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func nonNilRules(r []models.AlertRule) []models.AlertRule {
	if r == nil {
		return []models.AlertRule{}
	}
	return r
}

func nonNilChannels(c []models.Channel) []models.Channel {
	if c == nil {
		return []models.Channel{}
	}
	return c
}

func nonNilRows(r []map[string]any) []map[string]any {
	if r == nil {
		return []map[string]any{}
	}
	return r
}

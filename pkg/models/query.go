package models

import (
	"fmt"
	"time"
)

// Category classifies what a quality check verifies
type Category string

const (
	CategoryCompleteness        Category = "data_completeness"
	CategoryConsistency         Category = "data_consistency"
	CategoryAccuracy            Category = "data_accuracy"
	CategoryIntegrity           Category = "data_integrity"
	CategoryTimeliness          Category = "data_timeliness"
	CategoryUniqueness          Category = "data_uniqueness"
	CategoryRelationship        Category = "data_relationship"
	CategorySensitiveDataExpose Category = "sensitive_data_exposure"
)

// Categories lists every known category in display order
var Categories = []Category{
	CategoryCompleteness,
	CategoryConsistency,
	CategoryAccuracy,
	CategoryIntegrity,
	CategoryTimeliness,
	CategoryUniqueness,
	CategoryRelationship,
	CategorySensitiveDataExpose,
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Frequency is how often a query is run by the scheduler
type Frequency string

const (
	FrequencyManual  Frequency = "manual"
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Interval returns the fixed scheduling interval. Manual and unknown
// frequencies return 0.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether f is a known frequency
func (f Frequency) Valid() bool {
	return f == FrequencyManual || f.Interval() > 0
}

// Threshold bounds one metric of a query result
type Threshold struct {
	Metric    string   `json:"metric,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	WarnMin   *float64 `json:"warnMin,omitempty"`
	WarnMax   *float64 `json:"warnMax,omitempty"`
	Exclusive bool     `json:"exclusive,omitempty"`
	Operator  string   `json:"operator,omitempty"` // >, >=, <, <=, ==, !=
	Value     *float64 `json:"value,omitempty"`
}

// Thresholds holds the bounds a query is checked against. The top-level bound
// and every entry of Checks are evaluated independently.
type Thresholds struct {
	Threshold
	Checks []Threshold `json:"checks,omitempty"`
}

// All returns every threshold declared, skipping an empty top-level bound
func (t Thresholds) All() []Threshold {
	out := make([]Threshold, 0, len(t.Checks)+1)
	if !t.Threshold.IsZero() {
		out = append(out, t.Threshold)
	}
	return append(out, t.Checks...)
}

// IsZero reports whether the threshold declares no bound at all
func (t Threshold) IsZero() bool {
	return t.Min == nil && t.Max == nil && t.WarnMin == nil && t.WarnMax == nil &&
		t.Operator == "" && t.Value == nil
}

// Query is a data-quality check run against a connection
type Query struct {
	ID                 int64          `json:"id"`
	UserID             int64          `json:"userId"`
	ConnectionID       int64          `json:"connectionId"`
	SpaceID            *int64         `json:"spaceId,omitempty"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Category           Category       `json:"category"`
	SQL                string         `json:"query"`
	ExpectedResult     any            `json:"expectedResult,omitempty"`
	Thresholds         Thresholds     `json:"thresholds"`
	AlertRules         []AlertRule    `json:"alertRules,omitempty"`
	TimeoutSeconds     int            `json:"timeoutSeconds,omitempty"` // 0 uses the executor default
	Enabled            bool           `json:"enabled"`
	ExecutionFrequency Frequency      `json:"executionFrequency"`
	LastExecutionTime  *time.Time     `json:"lastExecutionTime,omitempty"`
	NextExecutionTime  *time.Time     `json:"nextExecutionTime,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`

	// Status of the most recent result, filled by listings
	LastRunStatus ExecutionStatus `json:"lastRunStatus,omitempty"`
}

// Scheduled reports whether the scheduler owns this query's runs
func (q *Query) Scheduled() bool {
	return q.Enabled && q.ExecutionFrequency != FrequencyManual && q.ExecutionFrequency.Interval() > 0
}

// NextExecution computes the next run time of q measured from "from".
// Manual and disabled queries never have one.
func NextExecution(q *Query, from time.Time) *time.Time {
	if !q.Scheduled() {
		return nil
	}
	next := from.Add(q.ExecutionFrequency.Interval())
	return &next
}

// Validate checks the fields every stored query must carry
func (q *Query) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if q.SQL == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if q.ConnectionID == 0 {
		return fmt.Errorf("%w: connectionId is required", ErrInvalidInput)
	}
	if !q.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, q.Category)
	}
	if !q.ExecutionFrequency.Valid() {
		return fmt.Errorf("%w: unknown execution frequency %q", ErrInvalidInput, q.ExecutionFrequency)
	}
	if q.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeoutSeconds must not be negative", ErrInvalidInput)
	}
	for _, r := range q.AlertRules {
		if r.Name == "" {
			return fmt.Errorf("%w: alert rule name is required", ErrInvalidInput)
		}
	}
	return nil
}

// CreateQueryRequest represents the payload for creating a query
type CreateQueryRequest struct {
	UserID             int64       `json:"userId"`
	ConnectionID       int64       `json:"connectionId"`
	SpaceID            *int64      `json:"spaceId,omitempty"`
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	Category           Category    `json:"category"`
	SQL                string      `json:"query"`
	ExpectedResult     any         `json:"expectedResult,omitempty"`
	Thresholds         Thresholds  `json:"thresholds"`
	AlertRules         []AlertRule `json:"alertRules,omitempty"`
	TimeoutSeconds     int         `json:"timeoutSeconds,omitempty"`
	Enabled            *bool       `json:"enabled,omitempty"`
	ExecutionFrequency Frequency   `json:"executionFrequency"`
}

// Query builds the query described by r. Queries are enabled unless the
// request says otherwise.
func (r *CreateQueryRequest) Query() *Query {
	q := &Query{
		UserID:             r.UserID,
		ConnectionID:       r.ConnectionID,
		SpaceID:            r.SpaceID,
		Name:               r.Name,
		Description:        r.Description,
		Category:           r.Category,
		SQL:                r.SQL,
		ExpectedResult:     r.ExpectedResult,
		Thresholds:         r.Thresholds,
		AlertRules:         r.AlertRules,
		TimeoutSeconds:     r.TimeoutSeconds,
		Enabled:            true,
		ExecutionFrequency: r.ExecutionFrequency,
	}
	if r.Enabled != nil {
		q.Enabled = *r.Enabled
	}
	if q.ExecutionFrequency == "" {
		q.ExecutionFrequency = FrequencyManual
	}
	return q
}

// UpdateQueryRequest represents the payload for updating a query
type UpdateQueryRequest struct {
	Name               *string      `json:"name,omitempty"`
	Description        *string      `json:"description,omitempty"`
	Category           *Category    `json:"category,omitempty"`
	SQL                *string      `json:"query,omitempty"`
	ExpectedResult     any          `json:"expectedResult,omitempty"`
	Thresholds         *Thresholds  `json:"thresholds,omitempty"`
	AlertRules         *[]AlertRule `json:"alertRules,omitempty"`
	TimeoutSeconds     *int         `json:"timeoutSeconds,omitempty"`
	Enabled            *bool        `json:"enabled,omitempty"`
	ExecutionFrequency *Frequency   `json:"executionFrequency,omitempty"`
}

// Apply copies the set fields of r onto q
func (r *UpdateQueryRequest) Apply(q *Query) {
	if r.Name != nil {
		q.Name = *r.Name
	}
	if r.Description != nil {
		q.Description = *r.Description
	}
	if r.Category != nil {
		q.Category = *r.Category
	}
	if r.SQL != nil {
		q.SQL = *r.SQL
	}
	if r.ExpectedResult != nil {
		q.ExpectedResult = r.ExpectedResult
	}
	if r.Thresholds != nil {
		q.Thresholds = *r.Thresholds
	}
	if r.AlertRules != nil {
		q.AlertRules = *r.AlertRules
	}
	if r.TimeoutSeconds != nil {
		q.TimeoutSeconds = *r.TimeoutSeconds
	}
	if r.Enabled != nil {
		q.Enabled = *r.Enabled
	}
	if r.ExecutionFrequency != nil {
		q.ExecutionFrequency = *r.ExecutionFrequency
	}
}

// QueryFilter narrows query listings. Zero values match everything.
type QueryFilter struct {
	UserID       int64
	SpaceID      *int64
	ConnectionID int64
	Category     Category
	Frequency    Frequency
	Enabled      *bool
	RunStatus    ExecutionStatus
}

// Match reports whether q passes the filter
func (f QueryFilter) Match(q *Query) bool {
	if f.UserID != 0 && q.UserID != f.UserID {
		return false
	}
	if f.SpaceID != nil && (q.SpaceID == nil || *q.SpaceID != *f.SpaceID) {
		return false
	}
	if f.ConnectionID != 0 && q.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Category != "" && q.Category != f.Category {
		return false
	}
	if f.Frequency != "" && q.ExecutionFrequency != f.Frequency {
		return false
	}
	if f.Enabled != nil && q.Enabled != *f.Enabled {
		return false
	}
	if f.RunStatus != "" && q.LastRunStatus != f.RunStatus {
		return false
	}
	return true
}

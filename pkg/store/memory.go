package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// MemoryStore is a process-local Store used by tests and by the server
// when no database url is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	queries       map[int64]*models.Query
	results       map[int64]*models.ExecutionResult
	alerts        map[int64]*models.Alert
	notifications map[int64]*models.AlertNotification
	connections   map[int64]*models.Connection

	// Now is the clock used for created/updated timestamps
	Now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queries:       make(map[int64]*models.Query),
		results:       make(map[int64]*models.ExecutionResult),
		alerts:        make(map[int64]*models.Alert),
		notifications: make(map[int64]*models.AlertNotification),
		connections:   make(map[int64]*models.Connection),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Close is a no-op
func (s *MemoryStore) Close() {}

func copyQuery(q *models.Query) *models.Query {
	c := *q
	c.AlertRules = append([]models.AlertRule(nil), q.AlertRules...)
	c.Thresholds.Checks = append([]models.Threshold(nil), q.Thresholds.Checks...)
	return &c
}

func copyAlert(a *models.Alert) *models.Alert {
	c := *a
	c.NotificationChannels = append([]models.Channel(nil), a.NotificationChannels...)
	c.EmailRecipients = append([]string(nil), a.EmailRecipients...)
	return &c
}

// CreateQuery stores a copy of q
func (s *MemoryStore) CreateQuery(_ context.Context, q *models.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	normalizeSchedule(q, now)
	q.ID = s.id()
	q.CreatedAt, q.UpdatedAt = now, now
	s.queries[q.ID] = copyQuery(q)
	return nil
}

// GetQuery returns a copy of the query
func (s *MemoryStore) GetQuery(_ context.Context, id int64) (*models.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[id]
	if !ok {
		return nil, fmt.Errorf("query %d: %w", id, models.ErrNotFound)
	}
	c := copyQuery(q)
	c.LastRunStatus = s.lastStatusLocked(id)
	return c, nil
}

func (s *MemoryStore) lastStatusLocked(queryID int64) models.ExecutionStatus {
	var latest *models.ExecutionResult
	for _, r := range s.results {
		if r.QueryID != queryID {
			continue
		}
		if latest == nil || r.ExecutionTime.After(latest.ExecutionTime) ||
			(r.ExecutionTime.Equal(latest.ExecutionTime) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Status
}

// ListQueries returns copies of the queries matching filter, ordered by id
func (s *MemoryStore) ListQueries(_ context.Context, filter models.QueryFilter) ([]*models.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Query{}
	for _, q := range s.queries {
		c := copyQuery(q)
		c.LastRunStatus = s.lastStatusLocked(q.ID)
		if filter.Match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListDueQueries returns enabled scheduled queries due at now
func (s *MemoryStore) ListDueQueries(_ context.Context, now time.Time) ([]*models.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Query{}
	for _, q := range s.queries {
		if q.Scheduled() && q.NextExecutionTime != nil && !q.NextExecutionTime.After(now) {
			out = append(out, copyQuery(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextExecutionTime.Equal(*out[j].NextExecutionTime) {
			return out[i].NextExecutionTime.Before(*out[j].NextExecutionTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateQuery replaces the editable fields of the stored query
func (s *MemoryStore) UpdateQuery(_ context.Context, q *models.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.queries[q.ID]
	if !ok {
		return fmt.Errorf("query %d: %w", q.ID, models.ErrNotFound)
	}
	now := s.Now()
	q.LastExecutionTime = stored.LastExecutionTime
	q.CreatedAt = stored.CreatedAt
	normalizeSchedule(q, now)
	q.UpdatedAt = now
	s.queries[q.ID] = copyQuery(q)
	return nil
}

// DeleteQuery removes the query and everything hanging off it
func (s *MemoryStore) DeleteQuery(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queries[id]; !ok {
		return fmt.Errorf("query %d: %w", id, models.ErrNotFound)
	}
	for aid, a := range s.alerts {
		if a.QueryID != id {
			continue
		}
		for nid, n := range s.notifications {
			if n.AlertID == aid {
				delete(s.notifications, nid)
			}
		}
		delete(s.alerts, aid)
	}
	for rid, r := range s.results {
		if r.QueryID == id {
			delete(s.results, rid)
		}
	}
	delete(s.queries, id)
	return nil
}

// MarkExecuted updates the schedule columns under the store lock
func (s *MemoryStore) MarkExecuted(_ context.Context, id int64, startedAt time.Time, nextAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[id]
	if !ok {
		return fmt.Errorf("query %d: %w", id, models.ErrNotFound)
	}
	started := startedAt
	q.LastExecutionTime = &started
	if q.Scheduled() && nextAt != nil {
		next := *nextAt
		q.NextExecutionTime = &next
	} else {
		q.NextExecutionTime = nil
	}
	q.UpdatedAt = s.Now()
	return nil
}

// CreateResult stores a copy of r
func (s *MemoryStore) CreateResult(_ context.Context, r *models.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queries[r.QueryID]; !ok {
		return fmt.Errorf("query %d: %w", r.QueryID, models.ErrNotFound)
	}
	r.ID = s.id()
	c := *r
	s.results[r.ID] = &c
	return nil
}

// GetResult returns a copy of one result
func (s *MemoryStore) GetResult(_ context.Context, id int64) (*models.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("execution result %d: %w", id, models.ErrNotFound)
	}
	c := *r
	return &c, nil
}

// ListResults returns the newest results of a query first
func (s *MemoryStore) ListResults(_ context.Context, queryID int64, limit int) ([]*models.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.ExecutionResult{}
	for _, r := range s.results {
		if r.QueryID == queryID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutionTime.Equal(out[j].ExecutionTime) {
			return out[i].ExecutionTime.After(out[j].ExecutionTime)
		}
		return out[i].ID > out[j].ID
	})
	if n := resultLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// CreateAlert stores a copy of a
func (s *MemoryStore) CreateAlert(_ context.Context, a *models.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queries[a.QueryID]; !ok {
		return fmt.Errorf("query %d: %w", a.QueryID, models.ErrNotFound)
	}
	now := s.Now()
	a.ID = s.id()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Version = 1
	s.alerts[a.ID] = copyAlert(a)
	return nil
}

// GetAlert returns a copy of one alert
func (s *MemoryStore) GetAlert(_ context.Context, id int64) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %d: %w", id, models.ErrNotFound)
	}
	return copyAlert(a), nil
}

// ListAlerts returns alerts matching filter, newest first
func (s *MemoryStore) ListAlerts(_ context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Alert{}
	for _, a := range s.alerts {
		if filter.Match(a) {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if n := resultLimit(filter.Limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ListOpenAlerts returns the active and snoozed alerts of a query by id
func (s *MemoryStore) ListOpenAlerts(_ context.Context, queryID int64) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Alert{}
	for _, a := range s.alerts {
		if a.QueryID == queryID && a.Open() {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAlert replaces the stored alert, keeping lastTriggeredAt monotonic
func (s *MemoryStore) UpdateAlert(_ context.Context, a *models.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.alerts[a.ID]
	if !ok {
		return fmt.Errorf("alert %d: %w", a.ID, models.ErrNotFound)
	}
	if stored.Version != a.Version {
		return fmt.Errorf("alert %d version %d: %w", a.ID, a.Version, models.ErrConflict)
	}
	a.Version++
	a.LastTriggeredAt = laterOf(stored.LastTriggeredAt, a.LastTriggeredAt)
	a.CreatedAt = stored.CreatedAt
	a.UpdatedAt = s.Now()
	s.alerts[a.ID] = copyAlert(a)
	return nil
}

// CreateNotification appends to the log
func (s *MemoryStore) CreateNotification(_ context.Context, n *models.AlertNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[n.AlertID]; !ok {
		return fmt.Errorf("alert %d: %w", n.AlertID, models.ErrNotFound)
	}
	n.ID = s.id()
	c := *n
	s.notifications[n.ID] = &c
	return nil
}

// ListNotifications returns the log of one alert, newest first
func (s *MemoryStore) ListNotifications(_ context.Context, alertID int64) ([]*models.AlertNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.AlertNotification{}
	for _, n := range s.notifications {
		if n.AlertID == alertID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CountNotifications returns the size of the whole log
func (s *MemoryStore) CountNotifications() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications)
}

// PutConnection registers a connection record
func (s *MemoryStore) PutConnection(c *models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := *c
	s.connections[c.ID] = &cp
}

// GetConnection returns a copy of a connection record
func (s *MemoryStore) GetConnection(_ context.Context, id int64) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[id]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", id, models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

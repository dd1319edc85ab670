// Package executor runs query SQL against its connection.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/connections"
	"github.com/beak-insights/BeakDashX/pkg/models"
)

// ErrCancelled is returned when a run is cancelled before it completes
var ErrCancelled = errors.New("run cancelled")

// Outcome is what one execution produced. Status is success or error; the
// failure status comes from evaluation. Rows holds the full result set;
// only the stored copy is capped at maxRows.
type Outcome struct {
	StartedAt time.Time
	Duration  time.Duration
	Rows      []map[string]any
	Status    models.ExecutionStatus
	Err       error

	maxRows int
}

// Executor runs queries through a connection resolver
type Executor struct {
	resolver       connections.Resolver
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxRows        int
	now            func() time.Time
}

// New creates an executor bounded by cfg
func New(resolver connections.Resolver, cfg config.ExecutorConfig) *Executor {
	e := &Executor{
		resolver:       resolver,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		maxRows:        cfg.MaxRows,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = 30 * time.Second
	}
	return e
}

// Timeout returns the execution timeout applied to q
func (e *Executor) Timeout(q *models.Query) time.Duration {
	timeout := e.defaultTimeout
	if q.TimeoutSeconds > 0 {
		timeout = time.Duration(q.TimeoutSeconds) * time.Second
	}
	if e.maxTimeout > 0 && timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}
	return timeout
}

// Execute runs q once. It never returns a nil outcome; failures are
// reported through Outcome.Err with Status error.
func (e *Executor) Execute(ctx context.Context, q *models.Query) *Outcome {
	out := &Outcome{StartedAt: e.now(), maxRows: e.maxRows}
	log := logrus.WithFields(logrus.Fields{"query_id": q.ID, "connection_id": q.ConnectionID})

	handle, err := e.resolver.Resolve(ctx, q.ConnectionID)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			err = ErrCancelled
		}
		out.fail(e.now(), err)
		log.Warnf("Failed to resolve connection: %v", err)
		return out
	}
	defer handle.Close()

	timeout := e.Timeout(q)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debugf("Executing query %q with timeout %s", q.Name, timeout)
	rows, err := handle.Execute(runCtx, q.SQL, timeout)
	finished := e.now()
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			err = ErrCancelled
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: query timed out after %s", models.ErrExecution, timeout)
		case !errors.Is(err, models.ErrExecution):
			err = fmt.Errorf("%w: %w", models.ErrExecution, err)
		}
		out.fail(finished, err)
		log.Warnf("Query execution failed: %v", err)
		return out
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	out.Rows = rows
	out.Status = models.ExecutionSuccess
	out.Duration = finished.Sub(out.StartedAt)
	log.Debugf("Query returned %d rows in %s", len(rows), out.Duration)
	return out
}

func (o *Outcome) fail(finished time.Time, err error) {
	o.Status = models.ExecutionError
	o.Err = err
	o.Duration = finished.Sub(o.StartedAt)
}

// Result converts the outcome into the record persisted for q. The stored
// rows are capped at the executor's maxRows and the cut is flagged in the
// metrics.
func (o *Outcome) Result(q *models.Query) *models.ExecutionResult {
	r := &models.ExecutionResult{
		QueryID:           q.ID,
		ExecutionTime:     o.StartedAt,
		Status:            o.Status,
		Result:            o.Rows,
		Metrics:           map[string]any{},
		ExecutionDuration: o.Duration.Milliseconds(),
	}
	if o.maxRows > 0 && len(o.Rows) > o.maxRows {
		r.Result = o.Rows[:o.maxRows]
		r.Metrics[models.MetricTruncated] = true
		r.Metrics[models.MetricTotalRows] = len(o.Rows)
	}
	if o.Err != nil {
		r.ErrorMessage = o.Err.Error()
	}
	return r
}

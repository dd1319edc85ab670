// Package services composes the execution pipeline: executor, evaluator,
// alert engine and notification dispatcher.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/alerting"
	"github.com/beak-insights/BeakDashX/pkg/connections"
	"github.com/beak-insights/BeakDashX/pkg/evaluator"
	"github.com/beak-insights/BeakDashX/pkg/executor"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/notify"
	"github.com/beak-insights/BeakDashX/pkg/scheduler"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

// Options wires a QualityService. Publisher and Recorder are optional.
// Connections defaults to Store.
type Options struct {
	Store       store.Store
	Connections connections.Source
	Resolver    connections.Resolver
	Executor   *executor.Executor
	Evaluator  *evaluator.Evaluator
	Engine     *alerting.Engine
	Dispatcher *notify.Dispatcher
	Publisher  Publisher
	Recorder   Recorder
}

// QualityService runs the DB QA pipeline and exposes the operations the
// API and the event bus need
type QualityService struct {
	store      store.Store
	conns      connections.Source
	resolver   connections.Resolver
	executor   *executor.Executor
	evaluator  *evaluator.Evaluator
	engine     *alerting.Engine
	dispatcher *notify.Dispatcher
	publisher  Publisher
	recorder   Recorder
	scheduler  *scheduler.Scheduler
}

var _ scheduler.Runner = (*QualityService)(nil)

// NewQualityService creates the pipeline
func NewQualityService(opts Options) *QualityService {
	s := &QualityService{
		store:      opts.Store,
		conns:      opts.Connections,
		resolver:   opts.Resolver,
		executor:   opts.Executor,
		evaluator:  opts.Evaluator,
		engine:     opts.Engine,
		dispatcher: opts.Dispatcher,
		publisher:  opts.Publisher,
		recorder:   opts.Recorder,
	}
	if s.conns == nil {
		s.conns = opts.Store
	}
	if s.evaluator == nil {
		s.evaluator = evaluator.New()
	}
	if s.publisher == nil {
		s.publisher = Fanout(nil)
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s
}

// AttachScheduler routes manual runs through the scheduler so they are
// serialized with scheduled ones
func (s *QualityService) AttachScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// Scheduler returns the attached scheduler, if any
func (s *QualityService) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Run executes q once: execute, evaluate, persist, alert, notify. It
// persists exactly one result. The returned error is reserved for
// failures to record the run; query failures live in the result.
func (s *QualityService) Run(ctx context.Context, q *models.Query) (*models.ExecutionResult, error) {
	log := logrus.WithFields(logrus.Fields{"query_id": q.ID, "query": q.Name})
	out := s.executor.Execute(ctx, q)
	result := out.Result(q)

	// writes after execution must land even if the run was cancelled
	persistCtx := context.WithoutCancel(ctx)

	var (
		verdict    models.Verdict
		decisions  []alerting.Decision
		skipAlerts bool
	)
	switch {
	case errors.Is(out.Err, executor.ErrCancelled):
		verdict = models.VerdictError
		result.ErrorMessage = executor.ErrCancelled.Error()
		skipAlerts = true
	case out.Status == models.ExecutionError:
		verdict = models.VerdictError
		decisions = s.decide(q, verdict, nil, result)
	default:
		eval, err := s.evaluator.Evaluate(q, out.Rows)
		if err != nil {
			log.Warnf("Evaluation failed: %v", err)
			verdict = models.VerdictError
			result.Status = models.ExecutionError
			result.ErrorMessage = err.Error()
			result.Metrics[models.MetricEvaluationError] = err.Error()
			skipAlerts = true
			break
		}
		verdict = eval.Verdict
		for k, v := range eval.MetricsMap() {
			result.Metrics[k] = v
		}
		if verdict == models.VerdictFail {
			result.Status = models.ExecutionFailure
		}
		decisions = s.decide(q, verdict, eval.Metrics, result)
	}
	result.Metrics[models.MetricVerdict] = string(verdict)

	if err := s.store.CreateResult(persistCtx, result); err != nil {
		return nil, fmt.Errorf("failed to store result of query %d: %w", q.ID, err)
	}
	s.recorder.ExecutionRecorded(result.Status, verdict, out.Duration)
	log.WithField("result_id", result.ID).Infof("Query finished: status=%s verdict=%s duration=%dms",
		result.Status, verdict, result.ExecutionDuration)

	if !skipAlerts && s.engine != nil {
		s.applyAlerts(persistCtx, q, result, decisions)
	}

	s.publish(persistCtx, newEvent(models.EventExecutionCompleted, q, 0, map[string]any{
		"resultId": result.ID,
		"status":   result.Status,
		"verdict":  verdict,
	}))
	return result, nil
}

func (s *QualityService) decide(q *models.Query, verdict models.Verdict, metrics map[string]float64, result *models.ExecutionResult) []alerting.Decision {
	if s.engine == nil {
		return nil
	}
	decisions, errs := s.engine.Decide(q, verdict, metrics)
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			logrus.WithField("query_id", q.ID).Warnf("Skipping alert rule: %v", err)
			msgs = append(msgs, err.Error())
		}
		result.Metrics[models.MetricAlertRuleErrors] = msgs
	}
	return decisions
}

func (s *QualityService) applyAlerts(ctx context.Context, q *models.Query, result *models.ExecutionResult, decisions []alerting.Decision) {
	transitions, err := s.engine.Apply(ctx, q, result, decisions)
	if err != nil {
		// transitions already applied still get notified
		logrus.WithField("query_id", q.ID).Errorf("Failed to apply alert rules: %v", err)
	}

	for _, t := range transitions {
		s.recorder.AlertTransition(string(t.Action))

		eventType := models.EventAlertTriggered
		kind := notify.KindTriggered
		switch t.Action {
		case alerting.ActionSuppressed:
			eventType = models.EventAlertSuppressed
		case alerting.ActionResolved:
			eventType = models.EventAlertResolved
			kind = notify.KindResolved
		}

		payload := map[string]any{
			"action":   t.Action,
			"name":     t.Alert.Name,
			"severity": t.Alert.Severity,
			"status":   t.Alert.Status,
		}
		if t.Notify && s.dispatcher != nil {
			rows := s.dispatcher.Dispatch(ctx, t.Alert, notify.NewMessage(kind, q, t.Alert, result))
			sent := 0
			for _, r := range rows {
				s.recorder.NotificationAttempt(r.Channel, r.Status)
				if r.Status == models.NotificationSent {
					sent++
				}
			}
			payload["notificationsSent"] = sent
			payload["notificationsFailed"] = len(rows) - sent
		}
		s.publish(ctx, newEvent(eventType, q, t.Alert.ID, payload))
	}
}

func (s *QualityService) publish(ctx context.Context, e models.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		logrus.Warnf("Failed to publish %s event: %v", e.Type, err)
	}
}

// RunQueryNow runs a query on demand and returns its result. Query
// failures are reported inside the result, not as an error.
func (s *QualityService) RunQueryNow(ctx context.Context, queryID int64) (*models.ExecutionResult, error) {
	if s.scheduler != nil {
		return s.scheduler.RunNow(ctx, queryID)
	}
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()
	result, err := s.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkExecuted(context.WithoutCancel(ctx), q.ID, startedAt, models.NextExecution(q, startedAt)); err != nil {
		logrus.Warnf("Failed to record execution time of query %d: %v", q.ID, err)
	}
	return result, nil
}

// RunFromEvent runs a query requested over the event bus
func (s *QualityService) RunFromEvent(ctx context.Context, queryID int64) error {
	if s.scheduler != nil {
		_, err := s.scheduler.RunFromEvent(ctx, queryID)
		return err
	}
	_, err := s.RunQueryNow(ctx, queryID)
	return err
}

// QueryDeleted stops tracking a query the dashboard removed. Rows the
// dashboard left behind are deleted here.
func (s *QualityService) QueryDeleted(ctx context.Context, queryID int64) error {
	err := s.DeleteQuery(ctx, queryID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

// CancelRun cancels the in-flight run of a query
func (s *QualityService) CancelRun(queryID int64) bool {
	if s.scheduler == nil {
		return false
	}
	return s.scheduler.Cancel(queryID)
}

// DeleteQuery cancels any run of the query and deletes it with its
// results, alerts and notifications
func (s *QualityService) DeleteQuery(ctx context.Context, queryID int64) error {
	s.CancelRun(queryID)
	if err := s.store.DeleteQuery(ctx, queryID); err != nil {
		return err
	}
	logrus.Infof("Deleted query %d", queryID)
	return nil
}

// GetResult returns one execution result
func (s *QualityService) GetResult(ctx context.Context, id int64) (*models.ExecutionResult, error) {
	return s.store.GetResult(ctx, id)
}

// ListResults returns the newest results of a query
func (s *QualityService) ListResults(ctx context.Context, queryID int64, limit int) ([]*models.ExecutionResult, error) {
	if _, err := s.store.GetQuery(ctx, queryID); err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, queryID, limit)
}

// ListAlerts returns alerts matching filter
func (s *QualityService) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	return s.store.ListAlerts(ctx, filter)
}

// ListNotifications returns the delivery log of an alert
func (s *QualityService) ListNotifications(ctx context.Context, alertID int64) ([]*models.AlertNotification, error) {
	if _, err := s.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.ListNotifications(ctx, alertID)
}

// SnoozeAlert silences an alert until the request's deadline
func (s *QualityService) SnoozeAlert(ctx context.Context, alertID int64, req models.SnoozeAlertRequest) (*models.Alert, error) {
	until, err := req.Deadline(s.engine.Now())
	if err != nil {
		return nil, err
	}
	alert, err := s.engine.Snooze(ctx, alertID, until)
	if err != nil {
		return nil, err
	}
	s.publishAlert(ctx, models.EventAlertSnoozed, alert, map[string]any{"snoozedUntil": alert.SnoozedUntil})
	return alert, nil
}

// ResolveAlert closes an alert by hand
func (s *QualityService) ResolveAlert(ctx context.Context, alertID int64) (*models.Alert, error) {
	alert, err := s.engine.Resolve(ctx, alertID)
	if err != nil {
		return nil, err
	}
	s.publishAlert(ctx, models.EventAlertResolved, alert, map[string]any{"manual": true})
	return alert, nil
}

// ReactivateAlert reopens an alert
func (s *QualityService) ReactivateAlert(ctx context.Context, alertID int64) (*models.Alert, error) {
	return s.engine.Reactivate(ctx, alertID)
}

func (s *QualityService) publishAlert(ctx context.Context, t models.EventType, a *models.Alert, payload map[string]any) {
	q := &models.Query{ID: a.QueryID, UserID: a.UserID}
	s.publish(ctx, newEvent(t, q, a.ID, payload))
}

// AuthorizeQuery reports ErrNotFound unless userID owns the query. A zero
// userID means auth is off and grants access to everything.
func (s *QualityService) AuthorizeQuery(ctx context.Context, userID, queryID int64) error {
	if userID == 0 {
		return nil
	}
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return err
	}
	return owned("query", queryID, q.UserID, userID)
}

// AuthorizeResult checks the owner of the result's query
func (s *QualityService) AuthorizeResult(ctx context.Context, userID, resultID int64) error {
	if userID == 0 {
		return nil
	}
	r, err := s.store.GetResult(ctx, resultID)
	if err != nil {
		return err
	}
	q, err := s.store.GetQuery(ctx, r.QueryID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("result %d: %w", resultID, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return owned("result", resultID, q.UserID, userID)
}

// AuthorizeAlert checks the owner of an alert
func (s *QualityService) AuthorizeAlert(ctx context.Context, userID, alertID int64) error {
	if userID == 0 {
		return nil
	}
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	return owned("alert", alertID, a.UserID, userID)
}

// AuthorizeConnection checks the owner of a connection record
func (s *QualityService) AuthorizeConnection(ctx context.Context, userID, connectionID int64) error {
	if userID == 0 {
		return nil
	}
	c, err := s.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	return owned("connection", connectionID, c.UserID, userID)
}

// owned reports rows of other users as missing
func owned(kind string, id, owner, userID int64) error {
	if owner != userID {
		logrus.Debugf("User %d denied %s %d owned by %d", userID, kind, id, owner)
		return fmt.Errorf("%s %d: %w", kind, id, models.ErrNotFound)
	}
	return nil
}

// ConnectionTest is the outcome of a connection check
type ConnectionTest struct {
	ConnectionID int64  `json:"connectionId"`
	OK           bool   `json:"ok"`
	LatencyMs    int64  `json:"latencyMs"`
	Error        string `json:"error,omitempty"`
}

// TestConnection runs SELECT 1 on a connection
func (s *QualityService) TestConnection(ctx context.Context, connectionID int64) (*ConnectionTest, error) {
	res := &ConnectionTest{ConnectionID: connectionID}
	start := time.Now()
	handle, err := s.resolver.Resolve(ctx, connectionID)
	if err == nil {
		_, err = handle.Execute(ctx, "SELECT 1", 10*time.Second)
		handle.Close()
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		res.Error = err.Error()
		return res, nil
	}
	res.OK = true
	return res, nil
}

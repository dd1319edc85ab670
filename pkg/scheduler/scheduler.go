// Package scheduler runs due queries on a fixed tick and serializes runs
// of the same query.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

// Trigger records what started a run
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerEvent    Trigger = "event"
)

// Runner executes one query end to end and persists its result
type Runner interface {
	Run(ctx context.Context, q *models.Query) (*models.ExecutionResult, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, q *models.Query) (*models.ExecutionResult, error)

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context, q *models.Query) (*models.ExecutionResult, error) {
	return f(ctx, q)
}

// Observer receives scheduler activity, typically for metrics
type Observer interface {
	TickCompleted(due, started int)
	RunFinished(trigger Trigger, d time.Duration, err error)
}

// Job describes a run in flight
type Job struct {
	RunID     string    `json:"runId"`
	QueryID   int64     `json:"queryId"`
	QueryName string    `json:"queryName,omitempty"`
	Trigger   Trigger   `json:"trigger"`
	StartedAt time.Time `json:"startedAt"`
}

type job struct {
	Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the in-flight set. At most one run per query id exists
// at any time.
type Scheduler struct {
	store    store.QueryStore
	runner   Runner
	interval time.Duration
	observer Observer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	pool   *pool.Pool

	mu       sync.Mutex
	inFlight map[int64]*job

	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}
}

// New creates a scheduler. Runs start only after Start or Tick is called.
func New(queries store.QueryStore, runner Runner, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    queries,
		runner:   runner,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		pool:     pool.New().WithMaxGoroutines(workers),
		inFlight: make(map[int64]*job),
		loopDone: make(chan struct{}),
	}
}

// SetObserver registers an observer. Call before Start.
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
}

// SetClock replaces the scheduler clock
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs the tick loop until Stop is called or ctx is done. The first
// scan happens immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		logrus.Infof("Starting scheduler (tick every %s)", s.interval)
		go s.loop(ctx)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx, s.now())
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop cancels every run in flight and waits for the workers to exit
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		logrus.Info("Stopping scheduler")
		s.cancel()
		s.startOnce.Do(func() { close(s.loopDone) })
		<-s.loopDone
		s.pool.Wait()
	})
}

// Tick starts every due query that is not already running. It returns the
// number of runs started. Submission blocks while every worker is busy.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	if s.ctx.Err() != nil {
		return 0
	}
	due, err := s.store.ListDueQueries(ctx, now)
	if err != nil {
		logrus.Errorf("Failed to list due queries: %v", err)
		return 0
	}

	started := 0
	for _, q := range due {
		if !q.Scheduled() {
			continue
		}
		j, ok := s.claim(q, TriggerSchedule)
		if !ok {
			logrus.Debugf("Query %d is still running, skipping this tick", q.ID)
			continue
		}
		started++
		s.pool.Go(func() {
			s.execute(j, q)
		})
	}
	if len(due) > 0 {
		logrus.Debugf("Tick at %s: %d due, %d started", now.Format(time.RFC3339), len(due), started)
	}
	if s.observer != nil {
		s.observer.TickCompleted(len(due), started)
	}
	return started
}

// RunNow runs a query immediately and returns its result. A run of the same
// query already in flight is waited for first.
func (s *Scheduler) RunNow(ctx context.Context, queryID int64) (*models.ExecutionResult, error) {
	return s.runNow(ctx, queryID, TriggerManual)
}

// RunFromEvent is RunNow for runs requested over the event bus
func (s *Scheduler) RunFromEvent(ctx context.Context, queryID int64) (*models.ExecutionResult, error) {
	return s.runNow(ctx, queryID, TriggerEvent)
}

func (s *Scheduler) runNow(ctx context.Context, queryID int64, trigger Trigger) (*models.ExecutionResult, error) {
	for {
		if s.ctx.Err() != nil {
			return nil, fmt.Errorf("scheduler is stopped")
		}
		q, err := s.store.GetQuery(ctx, queryID)
		if err != nil {
			return nil, err
		}
		j, ok := s.claimWith(ctx, q, trigger)
		if ok {
			return s.execute(j, q)
		}
		select {
		case <-j.done:
			// reload the query: the finished run may have changed it
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel stops the in-flight run of a query. It reports whether a run was
// found.
func (s *Scheduler) Cancel(queryID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.inFlight[queryID]
	if ok {
		logrus.Infof("Cancelling run %s of query %d", j.RunID, queryID)
		j.cancel()
	}
	return ok
}

// Running reports whether a query has a run in flight
func (s *Scheduler) Running(queryID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[queryID]
	return ok
}

// InFlight lists the runs in progress ordered by start time
func (s *Scheduler) InFlight() []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.inFlight))
	for _, j := range s.inFlight {
		jobs = append(jobs, j.Job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].StartedAt.Equal(jobs[k].StartedAt) {
			return jobs[i].QueryID < jobs[k].QueryID
		}
		return jobs[i].StartedAt.Before(jobs[k].StartedAt)
	})
	return jobs
}

func (s *Scheduler) claim(q *models.Query, trigger Trigger) (*job, bool) {
	return s.claimWith(s.ctx, q, trigger)
}

// claimWith registers a run of q unless one is in flight, in which case
// the existing job is returned with false.
func (s *Scheduler) claimWith(parent context.Context, q *models.Query, trigger Trigger) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.inFlight[q.ID]; ok {
		return existing, false
	}
	ctx, cancel := context.WithCancel(parent)
	// a stopped scheduler cancels manual runs too
	stop := context.AfterFunc(s.ctx, cancel)
	j := &job{
		Job: Job{
			RunID:     uuid.NewString(),
			QueryID:   q.ID,
			QueryName: q.Name,
			Trigger:   trigger,
			StartedAt: s.now(),
		},
		cancel: func() {
			stop()
			cancel()
		},
		ctx:  ctx,
		done: make(chan struct{}),
	}
	s.inFlight[q.ID] = j
	return j, true
}

func (s *Scheduler) release(j *job) {
	s.mu.Lock()
	if s.inFlight[j.QueryID] == j {
		delete(s.inFlight, j.QueryID)
	}
	s.mu.Unlock()
	j.cancel()
	close(j.done)
}

// execute runs a claimed job and records the schedule. The next run is
// measured from the start of this one.
func (s *Scheduler) execute(j *job, q *models.Query) (*models.ExecutionResult, error) {
	defer s.release(j)
	log := logrus.WithFields(logrus.Fields{"run_id": j.RunID, "query_id": q.ID, "trigger": j.Trigger})
	log.Debugf("Running query %q", q.Name)

	result, err := s.runner.Run(j.ctx, q)
	if err != nil {
		log.Errorf("Run failed: %v", err)
	} else if result != nil {
		log.Debugf("Run finished with status %s in %dms", result.Status, result.ExecutionDuration)
	}

	// the schedule advances even when the run failed or was cancelled
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), 10*time.Second)
	defer cancel()
	if markErr := s.store.MarkExecuted(markCtx, q.ID, j.StartedAt, models.NextExecution(q, j.StartedAt)); markErr != nil {
		if errors.Is(markErr, models.ErrNotFound) {
			log.Debugf("Query was deleted during its run")
		} else {
			log.Errorf("Failed to record execution time: %v", markErr)
		}
	}

	if s.observer != nil {
		s.observer.RunFinished(j.Trigger, s.now().Sub(j.StartedAt), err)
	}
	return result, err
}

package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

type fixture struct {
	t      *testing.T
	store  *store.MemoryStore
	engine *Engine
	now    time.Time
	query  *models.Query
}

func newFixture(t *testing.T, cfg config.AlertsConfig, rules ...models.AlertRule) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		store: store.NewMemoryStore(),
		now:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.Now = func() time.Time { return f.now }
	f.engine = NewEngine(f.store, cfg)
	f.engine.SetClock(func() time.Time { return f.now })

	f.query = &models.Query{
		UserID:             1,
		ConnectionID:       1,
		Name:               "orders",
		Category:           models.CategoryAccuracy,
		SQL:                "SELECT count(*) FROM orders WHERE total < 0",
		Enabled:            true,
		ExecutionFrequency: models.FrequencyHourly,
		AlertRules:         rules,
	}
	require.NoError(t, f.store.CreateQuery(context.Background(), f.query))
	return f
}

// record stores a result with the given verdict
func (f *fixture) record(verdict models.Verdict) *models.ExecutionResult {
	f.t.Helper()
	status := models.ExecutionSuccess
	switch verdict {
	case models.VerdictFail:
		status = models.ExecutionFailure
	case models.VerdictError:
		status = models.ExecutionError
	}
	result := &models.ExecutionResult{
		QueryID:       f.query.ID,
		ExecutionTime: f.now,
		Status:        status,
		Metrics:       map[string]any{models.MetricVerdict: string(verdict)},
	}
	require.NoError(f.t, f.store.CreateResult(context.Background(), result))
	return result
}

// run records a result with the given verdict and applies the rules to it
func (f *fixture) run(verdict models.Verdict) []Transition {
	f.t.Helper()
	ctx := context.Background()
	result := f.record(verdict)

	decisions, errs := f.engine.Decide(f.query, verdict, map[string]float64{"row_count": 3})
	require.Empty(f.t, errs)
	transitions, err := f.engine.Apply(ctx, f.query, result, decisions)
	require.NoError(f.t, err)
	return transitions
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func emailRule(throttle int) models.AlertRule {
	return models.AlertRule{
		Name:                 "negative totals",
		Severity:             models.SeverityHigh,
		NotificationChannels: []models.Channel{models.ChannelEmail},
		EmailRecipients:      []string{"qa@example.com"},
		ThrottleMinutes:      throttle,
	}
}

func TestApplyCreatesAlertOnFail(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))

	ts := f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionCreated, ts[0].Action)
	assert.True(t, ts[0].Notify)

	a := ts[0].Alert
	assert.Equal(t, models.AlertStatusActive, a.Status)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, f.now, *a.LastTriggeredAt)
	require.NotNil(t, a.ExecutionResultID)
	assert.Contains(t, a.Description, "verdict fail")
}

func TestApplyNoAlertOnPass(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	assert.Empty(t, f.run(models.VerdictPass))
}

func TestApplyThrottle(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	f.run(models.VerdictFail)

	f.advance(10 * time.Minute)
	ts := f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionSuppressed, ts[0].Action)
	assert.False(t, ts[0].Notify)
	assert.Equal(t, 1, ts[0].Alert.SuppressedCount)
	assert.Equal(t, f.now, *ts[0].Alert.LastSuppressedAt)

	f.advance(51 * time.Minute)
	ts = f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionRetriggered, ts[0].Action)
	assert.True(t, ts[0].Notify)
	assert.Equal(t, f.now, *ts[0].Alert.LastTriggeredAt)

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: f.query.ID})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestApplySeverityEscalationBypassesThrottle(t *testing.T) {
	rule := emailRule(60)
	rule.Severity = models.SeverityLow
	f := newFixture(t, config.AlertsConfig{}, rule)
	f.run(models.VerdictFail)

	f.query.AlertRules[0].Severity = models.SeverityCritical
	f.advance(5 * time.Minute)
	ts := f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionRetriggered, ts[0].Action)
	assert.Equal(t, models.SeverityCritical, ts[0].Alert.Severity)
}

func TestApplyResolve(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	f.run(models.VerdictFail)

	f.advance(time.Hour)
	ts := f.run(models.VerdictPass)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionResolved, ts[0].Action)
	assert.False(t, ts[0].Notify)
	assert.Equal(t, models.AlertStatusResolved, ts[0].Alert.Status)
	assert.Equal(t, f.now, *ts[0].Alert.ResolvedAt)

	// a new failure opens a fresh incident
	f.advance(time.Hour)
	ts = f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionCreated, ts[0].Action)
}

func TestApplyResolveNotifies(t *testing.T) {
	rule := emailRule(60)
	rule.NotifyOnResolve = true
	f := newFixture(t, config.AlertsConfig{}, rule)
	f.run(models.VerdictFail)
	ts := f.run(models.VerdictPass)
	require.Len(t, ts, 1)
	assert.True(t, ts[0].Notify)

	g := newFixture(t, config.AlertsConfig{NotifyOnResolve: true}, emailRule(60))
	g.run(models.VerdictFail)
	ts = g.run(models.VerdictPass)
	require.Len(t, ts, 1)
	assert.True(t, ts[0].Notify)
}

func TestApplyErrorVerdict(t *testing.T) {
	onError := emailRule(0)
	onError.Name = "query broken"
	onError.Condition.Verdicts = []models.Verdict{models.VerdictError}
	f := newFixture(t, config.AlertsConfig{}, emailRule(60), onError)

	f.run(models.VerdictFail)

	ts := f.run(models.VerdictError)
	require.Len(t, ts, 1)
	assert.Equal(t, "query broken", ts[0].Alert.Name)
	assert.Equal(t, ActionCreated, ts[0].Action)

	open, err := f.store.ListOpenAlerts(context.Background(), f.query.ID)
	require.NoError(t, err)
	assert.Len(t, open, 2, "an error run must not resolve the failing rule's alert")
}

func TestApplySnooze(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(0))
	ts := f.run(models.VerdictFail)
	id := ts[0].Alert.ID

	_, err := f.engine.Snooze(context.Background(), id, f.now.Add(30*time.Minute))
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	ts = f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionSuppressed, ts[0].Action)
	assert.Equal(t, models.AlertStatusSnoozed, ts[0].Alert.Status)

	f.advance(30 * time.Minute)
	ts = f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionRetriggered, ts[0].Action)
	assert.Equal(t, models.AlertStatusActive, ts[0].Alert.Status)
	assert.Nil(t, ts[0].Alert.SnoozedUntil)
}

func TestApplySnoozedAlertResolvesOnPass(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	ts := f.run(models.VerdictFail)
	_, err := f.engine.Snooze(context.Background(), ts[0].Alert.ID, f.now.Add(time.Hour))
	require.NoError(t, err)

	ts = f.run(models.VerdictPass)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionResolved, ts[0].Action)
	assert.Nil(t, ts[0].Alert.SnoozedUntil)
}

func TestApplyResolvesAlertsOfRemovedRules(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	f.run(models.VerdictFail)

	f.query.AlertRules = nil
	ts := f.run(models.VerdictFail)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionResolved, ts[0].Action)
	assert.False(t, ts[0].Notify)
}

func TestDecideMalformedRules(t *testing.T) {
	bad := emailRule(60)
	bad.Name = "bad"
	bad.Condition = models.AlertCondition{Metric: "row_count", Operator: "~", Value: ptr(1)}
	missing := emailRule(60)
	missing.Name = "missing metric"
	missing.Condition = models.AlertCondition{Metric: "latency", Value: ptr(1)}
	channel := emailRule(60)
	channel.Name = "pager"
	channel.NotificationChannels = []models.Channel{"pager"}

	e := NewEngine(store.NewMemoryStore(), config.AlertsConfig{})
	q := &models.Query{AlertRules: []models.AlertRule{bad, emailRule(60), missing, channel}}

	decisions, errs := e.Decide(q, models.VerdictFail, map[string]float64{"row_count": 3})
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, models.ErrAlertRule)
	}
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Fired)
}

func TestDecideMetricCondition(t *testing.T) {
	rule := emailRule(60)
	rule.Condition = models.AlertCondition{Metric: "row_count", Operator: ">=", Value: ptr(5)}
	e := NewEngine(store.NewMemoryStore(), config.AlertsConfig{})
	q := &models.Query{AlertRules: []models.AlertRule{rule}}

	decisions, errs := e.Decide(q, models.VerdictFail, map[string]float64{"row_count": 3})
	require.Empty(t, errs)
	assert.False(t, decisions[0].Fired)

	decisions, _ = e.Decide(q, models.VerdictPass, map[string]float64{"row_count": 8})
	assert.True(t, decisions[0].Fired)
	assert.Equal(t, "row_count = 8 (>= 5)", decisions[0].Reason)

	decisions, errs = e.Decide(q, models.VerdictError, nil)
	require.Empty(t, errs)
	assert.False(t, decisions[0].Fired)
}

func TestDecideWarnFiresByDefault(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), config.AlertsConfig{})
	q := &models.Query{AlertRules: []models.AlertRule{emailRule(60)}}

	decisions, _ := e.Decide(q, models.VerdictWarn, nil)
	assert.True(t, decisions[0].Fired)
	decisions, _ = e.Decide(q, models.VerdictError, nil)
	assert.False(t, decisions[0].Fired)
}

func TestDefaultRule(t *testing.T) {
	cfg := config.AlertsConfig{DefaultRule: config.DefaultRuleConfig{
		Enabled:         true,
		Channels:        []string{"slack"},
		SlackWebhook:    "https://hooks.slack.test/x",
		ThrottleMinutes: 30,
	}}
	e := NewEngine(store.NewMemoryStore(), cfg)

	rules := e.Rules(&models.Query{Name: "orders"})
	require.Len(t, rules, 1)
	assert.Equal(t, DefaultRuleName, rules[0].Name)
	assert.Equal(t, []models.Channel{models.ChannelSlack}, rules[0].NotificationChannels)
	assert.Equal(t, 30, rules[0].ThrottleMinutes)

	own := []models.AlertRule{emailRule(5)}
	assert.Equal(t, own, e.Rules(&models.Query{AlertRules: own}))
}

func TestManualTransitions(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	id := f.run(models.VerdictFail)[0].Alert.ID
	ctx := context.Background()

	_, err := f.engine.Snooze(ctx, id, f.now.Add(-time.Minute))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	a, err := f.engine.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, a.Status)

	_, err = f.engine.Snooze(ctx, id, f.now.Add(time.Hour))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	a, err = f.engine.Reactivate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, a.Status)
	assert.Nil(t, a.ResolvedAt)

	_, err = f.engine.Resolve(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApplyKeepsAlertOfUndecidedRule(t *testing.T) {
	rule := emailRule(60)
	rule.Condition = models.AlertCondition{Metric: "row_count", Operator: ">", Value: ptr(0)}
	f := newFixture(t, config.AlertsConfig{}, rule)
	created := f.run(models.VerdictFail)
	require.Len(t, created, 1)

	// the metric is missing on the next run, so the rule cannot be decided
	f.advance(2 * time.Hour)
	result := f.record(models.VerdictFail)
	decisions, errs := f.engine.Decide(f.query, models.VerdictFail, map[string]float64{})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], models.ErrAlertRule)
	assert.Empty(t, decisions)

	ts, err := f.engine.Apply(context.Background(), f.query, result, decisions)
	require.NoError(t, err)
	assert.Empty(t, ts)

	a, err := f.store.GetAlert(context.Background(), created[0].Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, a.Status)
	assert.Nil(t, a.ResolvedAt)
}

// racingStore lets a manual transition land between the engine's read of
// the open alerts and its write
type racingStore struct {
	*store.MemoryStore
	between func()
}

func (s *racingStore) ListOpenAlerts(ctx context.Context, queryID int64) ([]*models.Alert, error) {
	open, err := s.MemoryStore.ListOpenAlerts(ctx, queryID)
	if s.between != nil {
		s.between()
		s.between = nil
	}
	return open, err
}

func TestApplyDoesNotOverwriteManualResolve(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	id := f.run(models.VerdictFail)[0].Alert.ID
	ctx := context.Background()

	racing := &racingStore{MemoryStore: f.store, between: func() {
		_, err := f.engine.Resolve(ctx, id)
		require.NoError(t, err)
	}}
	e := NewEngine(racing, config.AlertsConfig{})
	e.SetClock(func() time.Time { return f.now })

	// still inside the throttle, so the engine wants to record a suppression
	f.advance(10 * time.Minute)
	result := f.record(models.VerdictFail)
	decisions, errs := e.Decide(f.query, models.VerdictFail, map[string]float64{"row_count": 3})
	require.Empty(t, errs)
	ts, err := e.Apply(ctx, f.query, result, decisions)
	require.NoError(t, err)
	assert.Empty(t, ts)

	a, err := f.store.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, a.Status)
	assert.NotNil(t, a.ResolvedAt)
	assert.Zero(t, a.SuppressedCount)
}

func TestApplyRetriesAfterConcurrentSnooze(t *testing.T) {
	f := newFixture(t, config.AlertsConfig{}, emailRule(60))
	id := f.run(models.VerdictFail)[0].Alert.ID
	ctx := context.Background()

	until := f.now.Add(24 * time.Hour)
	racing := &racingStore{MemoryStore: f.store, between: func() {
		_, err := f.engine.Snooze(ctx, id, until)
		require.NoError(t, err)
	}}
	e := NewEngine(racing, config.AlertsConfig{})
	e.SetClock(func() time.Time { return f.now })

	f.advance(2 * time.Hour)
	result := f.record(models.VerdictFail)
	decisions, _ := e.Decide(f.query, models.VerdictFail, map[string]float64{"row_count": 3})
	ts, err := e.Apply(ctx, f.query, result, decisions)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, ActionSuppressed, ts[0].Action)

	a, err := f.store.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusSnoozed, a.Status)
	assert.Equal(t, until, *a.SnoozedUntil)
	assert.Equal(t, 1, a.SuppressedCount)
}

func ptr(v float64) *float64 { return &v }

package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/beak-insights/BeakDashX/pkg/alerting"
	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/connections"
	"github.com/beak-insights/BeakDashX/pkg/evaluator"
	"github.com/beak-insights/BeakDashX/pkg/executor"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/notify"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

// MockPublisher is a mock implementation of the Publisher interface
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, e models.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockPublisher) types() []models.EventType {
	var out []models.EventType
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(models.Event).Type)
	}
	return out
}

type fakeHandle struct {
	mu    sync.Mutex
	rows  []map[string]any
	err   error
	block bool
	sqls  []string
}

func (h *fakeHandle) Execute(ctx context.Context, sql string, _ time.Duration) ([]map[string]any, error) {
	h.mu.Lock()
	h.sqls = append(h.sqls, sql)
	rows, err, block := h.rows, h.err, h.block
	h.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return rows, err
}
func (h *fakeHandle) Ping(context.Context) error { return nil }
func (h *fakeHandle) Close() error { return nil }

func (h *fakeHandle) set(rows []map[string]any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows, h.err = rows, err
}

type fakeResolver struct {
	handle *fakeHandle
}

func (r fakeResolver) Resolve(_ context.Context, id int64) (connections.QueryHandle, error) {
	if id != 1 {
		return nil, errors.Join(models.ErrConnectionUnavailable, models.ErrNotFound)
	}
	return r.handle, nil
}

type fakeEmail struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeEmail) SendEmail(_ context.Context, _ []string, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

type fixture struct {
	t       *testing.T
	now     time.Time
	store   *store.MemoryStore
	handle  *fakeHandle
	email   *fakeEmail
	hooks   chan map[string]any
	hookURL string
	pub     *MockPublisher
	svc     *QualityService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		now:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		store:  store.NewMemoryStore(),
		handle: &fakeHandle{},
		email:  &fakeEmail{},
		hooks:  make(chan map[string]any, 16),
		pub:    new(MockPublisher),
	}
	f.store.Now = func() time.Time { return f.now }
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.hooks <- body
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	f.hookURL = srv.URL

	clock := func() time.Time { return f.now }
	resolver := fakeResolver{handle: f.handle}
	engine := alerting.NewEngine(f.store, config.AlertsConfig{})
	engine.SetClock(clock)

	f.svc = NewQualityService(Options{
		Store:     f.store,
		Resolver:  resolver,
		Executor:  executor.New(resolver, config.ExecutorConfig{DefaultTimeout: time.Second, MaxTimeout: 5 * time.Second, MaxRows: 100}),
		Evaluator: evaluator.NewWithClock(clock),
		Engine:    engine,
		Dispatcher: notify.NewDispatcher(f.store,
			notify.EmailChannel{Sender: f.email},
			notify.WebhookChannel{Sender: notify.NewHTTPWebhookSender(time.Second)},
		),
		Publisher: f.pub,
	})
	return f
}

func zero() *float64 {
	v := 0.0
	return &v
}

// ordersQuery counts negative order totals and alerts by email and webhook
func (f *fixture) ordersQuery(rules ...models.AlertRule) *models.Query {
	f.t.Helper()
	if rules == nil {
		rules = []models.AlertRule{{
			Name:                 "negative totals",
			Severity:             models.SeverityHigh,
			NotificationChannels: []models.Channel{models.ChannelEmail, models.ChannelWebhook},
			EmailRecipients:      []string{"qa@example.com"},
			CustomWebhook:        f.hookURL,
			ThrottleMinutes:      60,
		}}
	}
	q := &models.Query{
		UserID:             1,
		ConnectionID:       1,
		Name:               "orders",
		Category:           models.CategoryAccuracy,
		SQL:                "SELECT count(*) AS count FROM orders WHERE total < 0",
		ExpectedResult:     map[string]any{"count": float64(0)},
		Thresholds:         models.Thresholds{Threshold: models.Threshold{Max: zero()}},
		AlertRules:         rules,
		Enabled:            true,
		ExecutionFrequency: models.FrequencyHourly,
	}
	require.NoError(f.t, f.store.CreateQuery(context.Background(), q))
	return q
}

func TestRunFailingQueryNotifiesEveryChannel(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()
	f.handle.set([]map[string]any{{"count": int64(3)}}, nil)

	result, err := f.svc.RunQueryNow(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailure, result.Status)
	assert.Equal(t, models.VerdictFail, result.Verdict())
	assert.NotZero(t, result.ID)
	assert.Equal(t, float64(3), result.Metrics["count"])

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, models.AlertStatusActive, alert.Status)
	require.NotNil(t, alert.ExecutionResultID)
	assert.Equal(t, result.ID, *alert.ExecutionResultID)

	rows, err := f.svc.ListNotifications(context.Background(), alert.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, models.NotificationSent, r.Status, r.ErrorMessage)
	}
	assert.Equal(t, []string{"[HIGH] orders: negative totals"}, f.email.subjects)

	body := <-f.hooks
	assert.Equal(t, "alert.triggered", body["event"])
	assert.Equal(t, float64(result.ID), body["executionResultId"])

	assert.Contains(t, f.pub.types(), models.EventAlertTriggered)
	assert.Contains(t, f.pub.types(), models.EventExecutionCompleted)

	// five minutes later the failure repeats inside the throttle window
	f.now = f.now.Add(5 * time.Minute)
	_, err = f.svc.RunQueryNow(context.Background(), q.ID)
	require.NoError(t, err)

	rows, err = f.svc.ListNotifications(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	got, err := f.store.GetAlert(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuppressedCount)
	assert.Contains(t, f.pub.types(), models.EventAlertSuppressed)

	stored, err := f.store.GetQuery(context.Background(), q.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastExecutionTime)
	require.NotNil(t, stored.NextExecutionTime)
	assert.True(t, stored.NextExecutionTime.After(*stored.LastExecutionTime))
}

func TestRunPassResolvesAlert(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()

	f.handle.set([]map[string]any{{"count": int64(3)}}, nil)
	_, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)

	f.handle.set([]map[string]any{{"count": int64(0)}}, nil)
	result, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, result.Status)

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status)
	assert.NotNil(t, alerts[0].ResolvedAt)
	assert.Equal(t, 1, f.store.CountNotifications(), "resolution is silent by default")
}

func TestRunEvaluationErrorSkipsAlerts(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()
	q.Thresholds = models.Thresholds{Threshold: models.Threshold{Min: zero(), Max: func() *float64 { v := -1.0; return &v }()}}
	f.handle.set([]map[string]any{{"count": int64(3)}}, nil)

	result, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, result.Status)
	assert.Contains(t, result.Metrics[models.MetricEvaluationError], "evaluation error")
	assert.Equal(t, models.VerdictError, result.Verdict())

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRunExecutionErrorFiresErrorRules(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery(
		models.AlertRule{
			Name:                 "query broken",
			Condition:            models.AlertCondition{Verdicts: []models.Verdict{models.VerdictError}},
			NotificationChannels: []models.Channel{models.ChannelWebhook},
			CustomWebhook:        f.hookURL,
			ThrottleMinutes:      60,
		},
		models.AlertRule{
			Name:                 "negative totals",
			NotificationChannels: []models.Channel{models.ChannelEmail},
			EmailRecipients:      []string{"qa@example.com"},
		},
	)
	f.handle.set(nil, errors.New(`relation "orders" does not exist`))

	result, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, result.Status)
	assert.Contains(t, result.ErrorMessage, "does not exist")

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "query broken", alerts[0].Name)
	assert.Empty(t, f.email.subjects)
}

func TestRunMalformedRuleIsRecorded(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery(models.AlertRule{
		Name:      "bad",
		Condition: models.AlertCondition{Metric: "count", Operator: "~"},
	})
	f.handle.set([]map[string]any{{"count": int64(3)}}, nil)

	result, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailure, result.Status)
	assert.NotEmpty(t, result.Metrics[models.MetricAlertRuleErrors])
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()
	f.handle.block = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	result, err := f.svc.Run(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, result.Status)
	assert.Equal(t, "run cancelled", result.ErrorMessage)

	results, err := f.svc.ListResults(context.Background(), q.ID, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _ int64) (connections.QueryHandle, error) {
	<-ctx.Done()
	return nil, errors.Join(models.ErrConnectionUnavailable, ctx.Err())
}

func TestRunCancelledWhileResolvingSkipsErrorRules(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery(models.AlertRule{
		Name:                 "query broken",
		Condition:            models.AlertCondition{Verdicts: []models.Verdict{models.VerdictError}},
		NotificationChannels: []models.Channel{models.ChannelWebhook},
		CustomWebhook:        f.hookURL,
	})
	f.svc.executor = executor.New(blockingResolver{}, config.ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	result, err := f.svc.Run(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "run cancelled", result.ErrorMessage)

	alerts, err := f.store.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Zero(t, f.store.CountNotifications())
}

func TestRunEvaluatesEveryRowButStoresMaxRows(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()
	q.ExpectedResult = nil
	minRows := 120.0
	q.Thresholds = models.Thresholds{Threshold: models.Threshold{Metric: evaluator.MetricRowCount, Min: &minRows}}

	rows := make([]map[string]any, 150)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i), "total": -1.5}
	}
	f.handle.set(rows, nil)

	result, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, result.Status)
	assert.Equal(t, float64(150), result.Metrics[evaluator.MetricRowCount])
	assert.Equal(t, true, result.Metrics[models.MetricTruncated])
	assert.Equal(t, 150, result.Metrics[models.MetricTotalRows])
	assert.Len(t, result.Result, 100)
}

func TestAlertTransitions(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()
	f.handle.set([]map[string]any{{"count": int64(3)}}, nil)
	_, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)

	alerts, err := f.svc.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	_, err = f.svc.SnoozeAlert(context.Background(), id, models.SnoozeAlertRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	a, err := f.svc.SnoozeAlert(context.Background(), id, models.SnoozeAlertRequest{Minutes: 30})
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusSnoozed, a.Status)
	assert.Contains(t, f.pub.types(), models.EventAlertSnoozed)

	a, err = f.svc.ReactivateAlert(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, a.Status)

	a, err = f.svc.ResolveAlert(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, a.Status)

	_, err = f.svc.ListNotifications(context.Background(), 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteQueryCascades(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()
	f.handle.set([]map[string]any{{"count": int64(3)}}, nil)
	_, err := f.svc.Run(context.Background(), q)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteQuery(context.Background(), q.ID))

	_, err = f.svc.ListResults(context.Background(), q.ID, 0)
	assert.ErrorIs(t, err, models.ErrNotFound)
	alerts, err := f.svc.ListAlerts(context.Background(), models.AlertFilter{QueryID: q.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Zero(t, f.store.CountNotifications())

	assert.ErrorIs(t, f.svc.DeleteQuery(context.Background(), q.ID), models.ErrNotFound)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.TestConnection(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{"SELECT 1"}, f.handle.sqls)

	f.handle.set(nil, errors.New("connection refused"))
	res, err = f.svc.TestConnection(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "connection refused", res.Error)

	_, err = f.svc.TestConnection(context.Background(), 2)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueryDeletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	q := f.ordersQuery()

	require.NoError(t, f.svc.QueryDeleted(context.Background(), q.ID))
	require.NoError(t, f.svc.QueryDeleted(context.Background(), q.ID))

	_, err := f.store.GetQuery(context.Background(), q.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

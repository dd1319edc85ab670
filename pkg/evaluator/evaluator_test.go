package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

func f(v float64) *float64 { return &v }

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEvaluator() *Evaluator {
	return NewWithClock(func() time.Time { return fixedNow })
}

func TestEvaluate_AggregateCountOverThreshold(t *testing.T) {
	q := &models.Query{
		Category:       models.CategoryAccuracy,
		ExpectedResult: map[string]any{"count": float64(0)},
		Thresholds:     models.Thresholds{Threshold: models.Threshold{Max: f(0)}},
	}
	rows := []map[string]any{{"count": int64(3)}}

	eval, err := newTestEvaluator().Evaluate(q, rows)
	require.NoError(t, err)

	assert.Equal(t, models.VerdictFail, eval.Verdict)
	assert.Equal(t, float64(3), eval.Metrics["count"])
	require.Len(t, eval.Checks, 2)
	assert.Equal(t, "count", eval.Checks[0].Metric)
	assert.Equal(t, models.VerdictFail, eval.Checks[0].Verdict)
	// the count key is judged by the threshold, not by exact match
	assert.Equal(t, models.VerdictPass, eval.Checks[1].Verdict)
}

func TestEvaluate_AggregateCountWithinThreshold(t *testing.T) {
	q := &models.Query{
		ExpectedResult: map[string]any{"count": float64(0)},
		Thresholds:     models.Thresholds{Threshold: models.Threshold{Max: f(0)}},
	}
	eval, err := newTestEvaluator().Evaluate(q, []map[string]any{{"count": int64(0)}})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, eval.Verdict)
	assert.Equal(t, float64(1), eval.Metrics[MetricMatchRatio])
}

func TestEvaluate_EmptyExpectation(t *testing.T) {
	q := &models.Query{ExpectedResult: []any{}}

	eval, err := newTestEvaluator().Evaluate(q, nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, eval.Verdict)

	eval, err = newTestEvaluator().Evaluate(q, []map[string]any{{"id": 1}})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, eval.Verdict)
	assert.Equal(t, float64(0), eval.Metrics[MetricMatchRatio])
}

func TestEvaluate_NoCriteriaPasses(t *testing.T) {
	for _, expected := range []any{nil, map[string]any{}} {
		eval, err := newTestEvaluator().Evaluate(&models.Query{ExpectedResult: expected}, []map[string]any{{"a": 1}, {"a": 2}})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictPass, eval.Verdict)
		assert.Empty(t, eval.Checks)
		assert.Equal(t, float64(2), eval.Metrics[MetricRowCount])
	}
}

func TestEvaluate_Bounds(t *testing.T) {
	rows := []map[string]any{{"n": 10}}
	tests := []struct {
		name      string
		threshold models.Threshold
		want      models.Verdict
	}{
		{"inclusive max at boundary", models.Threshold{Max: f(10)}, models.VerdictPass},
		{"exclusive max at boundary", models.Threshold{Max: f(10), Exclusive: true}, models.VerdictFail},
		{"inclusive min at boundary", models.Threshold{Min: f(10)}, models.VerdictPass},
		{"exclusive min at boundary", models.Threshold{Min: f(10), Exclusive: true}, models.VerdictFail},
		{"inside range", models.Threshold{Min: f(0), Max: f(20)}, models.VerdictPass},
		{"warn band", models.Threshold{Max: f(20), WarnMax: f(5)}, models.VerdictWarn},
		{"fail beats warn", models.Threshold{Max: f(8), WarnMax: f(5)}, models.VerdictFail},
		{"greater than", models.Threshold{Operator: ">", Value: f(5)}, models.VerdictPass},
		{"less or equal", models.Threshold{Operator: "<=", Value: f(9)}, models.VerdictFail},
		{"bare value means equals", models.Threshold{Value: f(10)}, models.VerdictPass},
		{"not equal", models.Threshold{Operator: "!=", Value: f(10)}, models.VerdictFail},
		{"between", models.Threshold{Operator: "between", Min: f(1), Max: f(10)}, models.VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &models.Query{Thresholds: models.Thresholds{Threshold: tt.threshold}}
			eval, err := newTestEvaluator().Evaluate(q, rows)
			require.NoError(t, err)
			assert.Equal(t, tt.want, eval.Verdict)
		})
	}
}

func TestEvaluate_MalformedSpecs(t *testing.T) {
	rows := []map[string]any{{"n": 1}}
	tests := []struct {
		name string
		q    *models.Query
	}{
		{"min above max", &models.Query{Thresholds: models.Thresholds{Threshold: models.Threshold{Min: f(5), Max: f(1)}}}},
		{"unknown operator", &models.Query{Thresholds: models.Thresholds{Threshold: models.Threshold{Operator: "~", Value: f(1)}}}},
		{"operator without value", &models.Query{Thresholds: models.Thresholds{Threshold: models.Threshold{Operator: ">"}}}},
		{"missing metric", &models.Query{Thresholds: models.Thresholds{Threshold: models.Threshold{Metric: "latency", Max: f(1)}}}},
		{"scalar expected result", &models.Query{ExpectedResult: "zero"}},
		{"list of scalars", &models.Query{ExpectedResult: []any{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestEvaluator().Evaluate(tt.q, rows)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrEvaluation)
		})
	}
}

func TestEvaluate_CategoryDefaults(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "email": "a@example.com"},
		{"id": 2, "email": nil},
		{"id": 2, "email": nil},
		{"id": 3, "email": "c@example.com"},
	}

	completeness := &models.Query{
		Category:   models.CategoryCompleteness,
		Thresholds: models.Thresholds{Threshold: models.Threshold{Max: f(0.1)}},
	}
	eval, err := newTestEvaluator().Evaluate(completeness, rows)
	require.NoError(t, err)
	assert.Equal(t, MetricNullRatio, eval.Checks[0].Metric)
	assert.InDelta(t, 0.25, eval.Metrics[MetricNullRatio], 1e-9)
	assert.Equal(t, models.VerdictFail, eval.Verdict)

	uniqueness := &models.Query{
		Category:   models.CategoryUniqueness,
		Thresholds: models.Thresholds{Threshold: models.Threshold{Min: f(1)}},
	}
	eval, err = newTestEvaluator().Evaluate(uniqueness, rows)
	require.NoError(t, err)
	assert.Equal(t, MetricDistinctRatio, eval.Checks[0].Metric)
	assert.InDelta(t, 0.75, eval.Metrics[MetricDistinctRatio], 1e-9)
	assert.Equal(t, models.VerdictFail, eval.Verdict)

	consistency := &models.Query{
		Category:   models.CategoryConsistency,
		Thresholds: models.Thresholds{Threshold: models.Threshold{Max: f(4)}},
	}
	eval, err = newTestEvaluator().Evaluate(consistency, rows)
	require.NoError(t, err)
	assert.Equal(t, MetricRowCount, eval.Checks[0].Metric)
	assert.Equal(t, models.VerdictPass, eval.Verdict)
}

func TestEvaluate_Timeliness(t *testing.T) {
	q := &models.Query{
		Category:   models.CategoryTimeliness,
		Thresholds: models.Thresholds{Threshold: models.Threshold{Max: f(3600)}},
	}
	rows := []map[string]any{
		{"loaded_at": "2024-05-01T09:00:00Z"},
		{"loaded_at": fixedNow.Add(-2 * time.Hour)},
	}
	eval, err := newTestEvaluator().Evaluate(q, rows)
	require.NoError(t, err)
	assert.Equal(t, float64(7200), eval.Metrics[MetricMaxAgeSeconds])
	assert.Equal(t, models.VerdictFail, eval.Verdict)
}

func TestEvaluate_MultipleChecksWorstWins(t *testing.T) {
	q := &models.Query{
		Thresholds: models.Thresholds{Checks: []models.Threshold{
			{Metric: "late", Max: f(10), WarnMax: f(2)},
			{Metric: "missing", Max: f(0)},
		}},
	}
	eval, err := newTestEvaluator().Evaluate(q, []map[string]any{{"late": 4, "missing": 0}})
	require.NoError(t, err)
	require.Len(t, eval.Checks, 2)
	assert.Equal(t, models.VerdictWarn, eval.Verdict)
}

func TestEvaluate_ExpectedRowsPositional(t *testing.T) {
	q := &models.Query{ExpectedResult: []any{
		map[string]any{"status": "ok", "n": float64(1)},
		map[string]any{"status": "late", "n": float64(2)},
	}}
	rows := []map[string]any{
		{"status": "ok", "n": int64(1)},
		{"status": "late", "n": []byte("3")},
	}
	eval, err := newTestEvaluator().Evaluate(q, rows)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, eval.Verdict)
	assert.InDelta(t, 0.75, eval.Metrics[MetricMatchRatio], 1e-9)
	assert.Contains(t, eval.Checks[0].Expected, "row 1: n")
}

func TestEvaluation_MetricsMap(t *testing.T) {
	eval, err := newTestEvaluator().Evaluate(&models.Query{
		Thresholds: models.Thresholds{Threshold: models.Threshold{Max: f(5)}},
	}, []map[string]any{{"a": 1}, {"a": 2}})
	require.NoError(t, err)

	m := eval.MetricsMap()
	assert.Equal(t, "pass", m[models.MetricVerdict])
	assert.Equal(t, float64(2), m[MetricRowCount])
	assert.NotNil(t, m[models.MetricChecks])
}

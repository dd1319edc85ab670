// Package evaluator judges query results against their expected result and
// thresholds.
package evaluator

import (
	"fmt"
	"sort"
	"time"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// Check is the outcome of one expectation
type Check struct {
	Name     string         `json:"name"`
	Metric   string         `json:"metric,omitempty"`
	Value    *float64       `json:"value,omitempty"`
	Expected string         `json:"expected"`
	Verdict  models.Verdict `json:"verdict"`
}

// Evaluation is the verdict and metrics of one result set
type Evaluation struct {
	Verdict models.Verdict
	Metrics map[string]float64
	Checks  []Check
}

// MetricsMap flattens the evaluation for storage in a result row
func (e *Evaluation) MetricsMap() map[string]any {
	out := make(map[string]any, len(e.Metrics)+2)
	for k, v := range e.Metrics {
		out[k] = v
	}
	out[models.MetricVerdict] = string(e.Verdict)
	if len(e.Checks) > 0 {
		out[models.MetricChecks] = e.Checks
	}
	return out
}

// Evaluator computes metrics and verdicts
type Evaluator struct {
	now func() time.Time
}

// New creates an evaluator using the wall clock for age metrics
func New() *Evaluator {
	return &Evaluator{now: time.Now}
}

// NewWithClock creates an evaluator with a fixed clock
func NewWithClock(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate judges rows against q. Malformed expectations return an error
// wrapping models.ErrEvaluation.
func (e *Evaluator) Evaluate(q *models.Query, rows []map[string]any) (*Evaluation, error) {
	metrics := computeMetrics(rows, e.now(), q.Category == models.CategoryTimeliness)
	eval := &Evaluation{Verdict: models.VerdictPass, Metrics: metrics}

	covered := make(map[string]bool)
	for i, th := range q.Thresholds.All() {
		metric := th.Metric
		if metric == "" {
			metric = defaultMetric(q, rows, metrics)
		}
		check, err := evaluateThreshold(fmt.Sprintf("threshold[%d]", i), metric, th, metrics)
		if err != nil {
			return nil, err
		}
		covered[metric] = true
		eval.add(check)
	}

	expected, declared, err := parseExpected(q.ExpectedResult)
	if err != nil {
		return nil, err
	}
	if declared {
		ratio, mismatches := matchExpected(expected, rows, covered)
		metrics[MetricMatchRatio] = ratio
		eval.add(expectedCheck(ratio, mismatches))
	}
	return eval, nil
}

func (e *Evaluation) add(c Check) {
	e.Checks = append(e.Checks, c)
	e.Verdict = e.Verdict.Worse(c.Verdict)
}

// defaultMetric picks the metric a threshold without one applies to.
// Aggregate results (one row, one numeric column) use that column.
func defaultMetric(q *models.Query, rows []map[string]any, metrics map[string]float64) string {
	if len(rows) == 1 {
		if cols := numericColumns(rows[0]); len(cols) == 1 {
			return cols[0]
		}
	}
	if exp, ok := q.ExpectedResult.(map[string]any); ok && len(exp) == 1 {
		for key := range exp {
			if _, ok := metrics[key]; ok {
				return key
			}
		}
	}
	switch q.Category {
	case models.CategoryCompleteness:
		return MetricNullRatio
	case models.CategoryUniqueness:
		return MetricDistinctRatio
	case models.CategoryTimeliness:
		return MetricMaxAgeSeconds
	default:
		return MetricRowCount
	}
}

func evaluateThreshold(name, metric string, th models.Threshold, metrics map[string]float64) (Check, error) {
	value, ok := metrics[metric]
	if !ok {
		return Check{}, fmt.Errorf("%w: %s: metric %q is not available for this result", models.ErrEvaluation, name, metric)
	}
	check := Check{Name: name, Metric: metric, Value: &value, Verdict: models.VerdictPass}

	if th.Operator != "" || (th.Value != nil && th.Min == nil && th.Max == nil) {
		op := th.Operator
		if op == "" {
			op = "=="
		}
		passed, expected, err := compare(op, value, th)
		if err != nil {
			return Check{}, fmt.Errorf("%w: %s: %w", models.ErrEvaluation, name, err)
		}
		check.Expected = expected
		if !passed {
			check.Verdict = models.VerdictFail
		}
		return check, nil
	}

	if th.Min != nil && th.Max != nil && *th.Min > *th.Max {
		return Check{}, fmt.Errorf("%w: %s: min %v is greater than max %v", models.ErrEvaluation, name, *th.Min, *th.Max)
	}
	if th.WarnMin != nil && th.WarnMax != nil && *th.WarnMin > *th.WarnMax {
		return Check{}, fmt.Errorf("%w: %s: warnMin %v is greater than warnMax %v", models.ErrEvaluation, name, *th.WarnMin, *th.WarnMax)
	}

	check.Expected = describeBounds(th.Min, th.Max, th.Exclusive)
	if !within(value, th.Min, th.Max, th.Exclusive) {
		check.Verdict = models.VerdictFail
		return check, nil
	}
	if !within(value, th.WarnMin, th.WarnMax, th.Exclusive) {
		check.Verdict = models.VerdictWarn
		check.Expected = describeBounds(th.WarnMin, th.WarnMax, th.Exclusive)
	}
	return check, nil
}

// within tests value against optional bounds, inclusive unless exclusive
func within(value float64, min, max *float64, exclusive bool) bool {
	if min != nil {
		if exclusive && value <= *min || !exclusive && value < *min {
			return false
		}
	}
	if max != nil {
		if exclusive && value >= *max || !exclusive && value > *max {
			return false
		}
	}
	return true
}

func describeBounds(min, max *float64, exclusive bool) string {
	lo, hi := "[", "]"
	if exclusive {
		lo, hi = "(", ")"
	}
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("%s%v, %v%s", lo, *min, *max, hi)
	case min != nil:
		return fmt.Sprintf("%s%v, +inf)", lo, *min)
	case max != nil:
		return fmt.Sprintf("(-inf, %v%s", *max, hi)
	default:
		return "any"
	}
}

func compare(op string, value float64, th models.Threshold) (bool, string, error) {
	if op == "between" {
		if th.Min == nil || th.Max == nil {
			return false, "", fmt.Errorf("between needs min and max")
		}
		return within(value, th.Min, th.Max, th.Exclusive), describeBounds(th.Min, th.Max, th.Exclusive), nil
	}
	if th.Value == nil {
		return false, "", fmt.Errorf("operator %q needs a value", op)
	}
	target := *th.Value
	expected := fmt.Sprintf("%s %v", op, target)
	switch op {
	case ">":
		return value > target, expected, nil
	case ">=":
		return value >= target, expected, nil
	case "<":
		return value < target, expected, nil
	case "<=":
		return value <= target, expected, nil
	case "==", "=":
		return value == target, expected, nil
	case "!=", "<>":
		return value != target, expected, nil
	default:
		return false, "", fmt.Errorf("unknown operator %q", op)
	}
}

// expectation is the normalized form of an expected result
type expectation struct {
	row   map[string]any
	rows  []map[string]any
	empty bool // an explicit empty list: no rows expected
}

// parseExpected reports whether an expected result is declared at all. An
// empty object is the dashboard default and means undeclared.
func parseExpected(v any) (expectation, bool, error) {
	switch t := v.(type) {
	case nil:
		return expectation{}, false, nil
	case map[string]any:
		if len(t) == 0 {
			return expectation{}, false, nil
		}
		return expectation{row: t}, true, nil
	case []any:
		if len(t) == 0 {
			return expectation{empty: true}, true, nil
		}
		rows := make([]map[string]any, 0, len(t))
		for i, item := range t {
			row, ok := item.(map[string]any)
			if !ok {
				return expectation{}, false, fmt.Errorf("%w: expectedResult[%d] must be an object", models.ErrEvaluation, i)
			}
			rows = append(rows, row)
		}
		return expectation{rows: rows}, true, nil
	case []map[string]any:
		if len(t) == 0 {
			return expectation{empty: true}, true, nil
		}
		return expectation{rows: t}, true, nil
	default:
		return expectation{}, false, fmt.Errorf("%w: expectedResult must be an object or a list of objects, got %T", models.ErrEvaluation, v)
	}
}

// matchExpected returns the share of expected values present in rows.
// Keys covered by a threshold are left to that threshold.
func matchExpected(exp expectation, rows []map[string]any, covered map[string]bool) (float64, []string) {
	switch {
	case exp.empty:
		if len(rows) == 0 {
			return 1, nil
		}
		return 0, []string{fmt.Sprintf("expected no rows, got %d", len(rows))}
	case exp.row != nil:
		var first map[string]any
		if len(rows) > 0 {
			first = rows[0]
		}
		return matchRow(exp.row, first, covered, "")
	default:
		total, matched := 0.0, 0.0
		var mismatches []string
		for i, want := range exp.rows {
			var got map[string]any
			if i < len(rows) {
				got = rows[i]
			}
			ratio, miss := matchRow(want, got, covered, fmt.Sprintf("row %d: ", i))
			total++
			matched += ratio
			mismatches = append(mismatches, miss...)
		}
		if len(rows) > len(exp.rows) {
			extra := float64(len(rows) - len(exp.rows))
			total += extra
			mismatches = append(mismatches, fmt.Sprintf("%d unexpected rows", len(rows)-len(exp.rows)))
		}
		return matched / total, mismatches
	}
}

func matchRow(want, got map[string]any, covered map[string]bool, prefix string) (float64, []string) {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matched := 0
	var mismatches []string
	for _, k := range keys {
		actual, present := got[k]
		equal := present && valuesEqual(want[k], actual)
		if equal {
			matched++
		}
		if covered[k] {
			continue
		}
		if !equal {
			if present {
				mismatches = append(mismatches, fmt.Sprintf("%s%s: expected %v, got %v", prefix, k, want[k], actual))
			} else {
				mismatches = append(mismatches, fmt.Sprintf("%s%s: expected %v, missing", prefix, k, want[k]))
			}
		}
	}
	if len(keys) == 0 {
		return 1, nil
	}
	return float64(matched) / float64(len(keys)), mismatches
}

func expectedCheck(ratio float64, mismatches []string) Check {
	value := ratio
	check := Check{Name: "expectedResult", Metric: MetricMatchRatio, Value: &value, Expected: "== 1", Verdict: models.VerdictPass}
	if len(mismatches) > 0 {
		check.Verdict = models.VerdictFail
		check.Expected = mismatches[0]
		if len(mismatches) > 1 {
			check.Expected = fmt.Sprintf("%s (and %d more)", mismatches[0], len(mismatches)-1)
		}
	}
	return check
}

package alerting

import (
	"fmt"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

var defaultVerdicts = []models.Verdict{models.VerdictFail, models.VerdictWarn}

// evaluateCondition reports whether rule fires for the verdict and metrics
// of one run. Metric conditions never fire on an error verdict because
// there are no metrics to read.
func evaluateCondition(rule models.AlertRule, verdict models.Verdict, metrics map[string]float64) (bool, string, error) {
	cond := rule.Condition
	for _, c := range rule.NotificationChannels {
		switch c {
		case models.ChannelEmail, models.ChannelSlack, models.ChannelWebhook:
		default:
			return false, "", fmt.Errorf("%w: rule %q: unknown channel %q", models.ErrAlertRule, rule.Name, c)
		}
	}
	if rule.Severity != "" && rule.Severity.Rank() == 0 {
		return false, "", fmt.Errorf("%w: rule %q: unknown severity %q", models.ErrAlertRule, rule.Name, rule.Severity)
	}
	for _, v := range cond.Verdicts {
		if !v.Valid() {
			return false, "", fmt.Errorf("%w: rule %q: unknown verdict %q", models.ErrAlertRule, rule.Name, v)
		}
	}

	if cond.Metric != "" {
		if cond.Value == nil {
			return false, "", fmt.Errorf("%w: rule %q: metric condition needs a value", models.ErrAlertRule, rule.Name)
		}
		op := cond.Operator
		if op == "" {
			op = ">"
		}
		if !knownOperator(op) {
			return false, "", fmt.Errorf("%w: rule %q: unknown operator %q", models.ErrAlertRule, rule.Name, op)
		}
		if verdict == models.VerdictError {
			return matchesVerdict(cond.Verdicts, verdict, nil), "query execution failed", nil
		}
		value, ok := metrics[cond.Metric]
		if !ok {
			return false, "", fmt.Errorf("%w: rule %q: metric %q is not available", models.ErrAlertRule, rule.Name, cond.Metric)
		}
		if !compare(op, value, *cond.Value) {
			return false, "", nil
		}
		if len(cond.Verdicts) > 0 && !matchesVerdict(cond.Verdicts, verdict, nil) {
			return false, "", nil
		}
		return true, fmt.Sprintf("%s = %v (%s %v)", cond.Metric, value, op, *cond.Value), nil
	}

	if !matchesVerdict(cond.Verdicts, verdict, defaultVerdicts) {
		return false, "", nil
	}
	if verdict == models.VerdictError {
		return true, "query execution failed", nil
	}
	return true, fmt.Sprintf("verdict %s", verdict), nil
}

func matchesVerdict(verdicts []models.Verdict, verdict models.Verdict, fallback []models.Verdict) bool {
	if len(verdicts) == 0 {
		verdicts = fallback
	}
	for _, v := range verdicts {
		if v == verdict {
			return true
		}
	}
	return false
}

func knownOperator(op string) bool {
	switch op {
	case ">", ">=", "<", "<=", "==", "!=":
		return true
	}
	return false
}

func compare(op string, value, target float64) bool {
	switch op {
	case ">":
		return value > target
	case ">=":
		return value >= target
	case "<":
		return value < target
	case "<=":
		return value <= target
	case "==":
		return value == target
	case "!=":
		return value != target
	}
	return false
}

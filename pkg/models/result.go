package models

import "time"

// ExecutionStatus is the outcome of one query run
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
	ExecutionError   ExecutionStatus = "error"
)

// Verdict is the evaluator's judgment of a run. VerdictError marks runs
// that never produced rows to judge.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictWarn  Verdict = "warn"
	VerdictFail  Verdict = "fail"
	VerdictError Verdict = "error"
)

func (v Verdict) rank() int {
	switch v {
	case VerdictWarn:
		return 1
	case VerdictFail:
		return 2
	case VerdictError:
		return 3
	default:
		return 0
	}
}

// Worse returns the more severe of v and other
func (v Verdict) Worse(other Verdict) Verdict {
	if other.rank() > v.rank() {
		return other
	}
	return v
}

// Valid reports whether v is a known verdict
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictWarn, VerdictFail, VerdictError:
		return true
	}
	return false
}

// Metric keys written by the pipeline next to the evaluator's own metrics
const (
	MetricVerdict         = "verdict"
	MetricEvaluationError = "evaluationError"
	MetricAlertRuleErrors = "alertRuleErrors"
	MetricChecks          = "checks"
	MetricTruncated       = "truncated"
	MetricTotalRows       = "totalRows"
)

// ExecutionResult is the immutable record of one query run
type ExecutionResult struct {
	ID                int64            `json:"id"`
	QueryID           int64            `json:"queryId"`
	ExecutionTime     time.Time        `json:"executionTime"`
	Status            ExecutionStatus  `json:"status"`
	Result            []map[string]any `json:"result,omitempty"`
	Metrics           map[string]any   `json:"metrics,omitempty"`
	ExecutionDuration int64            `json:"executionDuration"` // milliseconds
	ErrorMessage      string           `json:"errorMessage,omitempty"`
}

// Verdict returns the verdict recorded in the metrics, if any
func (r *ExecutionResult) Verdict() Verdict {
	if r.Metrics == nil {
		return ""
	}
	switch v := r.Metrics[MetricVerdict].(type) {
	case Verdict:
		return v
	case string:
		return Verdict(v)
	}
	return ""
}

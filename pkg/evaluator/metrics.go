package evaluator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Base metric names
const (
	MetricRowCount      = "row_count"
	MetricColumnCount   = "column_count"
	MetricNullRatio     = "null_ratio"
	MetricDistinctRatio = "distinct_ratio"
	MetricMatchRatio    = "match_ratio"
	MetricMaxAgeSeconds = "max_age_seconds"
)

// computeMetrics derives the base metrics of a result set. Single-row
// results also expose each numeric column under its own name.
func computeMetrics(rows []map[string]any, now time.Time, parseStrings bool) map[string]float64 {
	m := map[string]float64{
		MetricRowCount: float64(len(rows)),
	}

	columns := columnNames(rows)
	m[MetricColumnCount] = float64(len(columns))

	cells, nulls := 0, 0
	distinct := make(map[string]struct{}, len(rows))
	var newest time.Time
	for _, row := range rows {
		for _, col := range columns {
			cells++
			v, ok := row[col]
			if !ok || v == nil {
				nulls++
				continue
			}
			if ts, ok := toTime(v, parseStrings); ok && ts.After(newest) {
				newest = ts
			}
		}
		distinct[rowKey(row, columns)] = struct{}{}
	}

	m[MetricNullRatio] = 0
	if cells > 0 {
		m[MetricNullRatio] = float64(nulls) / float64(cells)
	}
	m[MetricDistinctRatio] = 1
	if len(rows) > 0 {
		m[MetricDistinctRatio] = float64(len(distinct)) / float64(len(rows))
	}
	if !newest.IsZero() {
		m[MetricMaxAgeSeconds] = now.Sub(newest).Seconds()
	}

	if len(rows) == 1 {
		for col, v := range rows[0] {
			if _, taken := m[col]; taken {
				continue
			}
			if f, ok := toFloat(v); ok {
				m[col] = f
			}
		}
	}
	return m
}

func columnNames(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func rowKey(row map[string]any, columns []string) string {
	var b strings.Builder
	for _, col := range columns {
		b.WriteString(col)
		b.WriteByte('=')
		fmt.Fprint(&b, row[col])
		b.WriteByte(0)
	}
	return b.String()
}

// numericColumns returns the columns of row holding numbers
func numericColumns(row map[string]any) []string {
	var cols []string
	for col, v := range row {
		if _, ok := toFloat(v); ok {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	return cols
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
		return f, err == nil
	case bool, time.Time:
		return 0, false
	case fmt.Stringer:
		// decimal and big number column types
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func toTime(v any, parseStrings bool) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if parseStrings {
			return parseTime(t)
		}
	case []byte:
		if parseStrings {
			return parseTime(string(t))
		}
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// valuesEqual compares loosely: numbers by value, everything else by text
func valuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	ef, eok := toFloat(expected)
	af, aok := toFloat(actual)
	if eok && aok {
		return ef == af
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

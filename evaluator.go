// evaluator.go: Stateless evaluation of a single rule condition.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WindowAggregator computes the aggregate of a windowed condition over the
// trailing window ending at the reference event. The correlation engine
// supplies this from its time-pruned event buffer; evaluation itself stays
// stateless.
type WindowAggregator func(cond *SecurityCondition, window time.Duration) (float64, error)

// Diagnostic reports a per-condition evaluation problem (malformed regex,
// non-numeric aggregate input) that was treated as a non-match rather than
// aborting the correlation pass.
type Diagnostic struct {
	RuleID    string    `json:"rule_id,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Field     string    `json:"field"`
	Operator  Operator  `json:"operator"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ConditionEvaluator evaluates one SecurityCondition against one event.
// It has no per-event state; the regex cache only memoizes compilation.
type ConditionEvaluator struct {
	regexCache sync.Map // pattern string -> *regexp.Regexp
}

// NewConditionEvaluator creates an evaluator with an empty pattern cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Evaluate returns whether the condition matches.
//
// Non-windowed conditions compare the event's resolved field against the
// condition value. A field path that resolves to nothing is undefined:
// every comparison against undefined is false except not_equals, which is
// true. Windowed conditions compare the window aggregate instead.
//
// Evaluation problems never return an error to the caller; they produce a
// non-match plus a Diagnostic so misconfigured rules stay discoverable.
func (e *ConditionEvaluator) Evaluate(cond *SecurityCondition, event *SecurityEvent, aggregate WindowAggregator) (bool, *Diagnostic) {
	if cond.Windowed() {
		return e.evaluateWindowed(cond, event, aggregate)
	}

	value, defined := event.FieldValue(cond.Field)
	if !defined {
		return cond.Operator == OpNotEquals, nil
	}
	return e.compare(cond, event, value)
}

func (e *ConditionEvaluator) evaluateWindowed(cond *SecurityCondition, event *SecurityEvent, aggregate WindowAggregator) (bool, *Diagnostic) {
	if aggregate == nil {
		return false, e.diagnostic(cond, event, "windowed condition evaluated without an event history")
	}
	agg, err := aggregate(cond, time.Duration(cond.TimeWindow)*time.Minute)
	if err != nil {
		return false, e.diagnostic(cond, event, fmt.Sprintf("window aggregation failed: %v", err))
	}
	want, ok := toFloat(cond.Value)
	if !ok {
		return false, e.diagnostic(cond, event, fmt.Sprintf("condition value %v is not numeric", cond.Value))
	}
	switch cond.Operator {
	case OpEquals:
		return agg == want, nil
	case OpNotEquals:
		return agg != want, nil
	case OpGreaterThan:
		return agg > want, nil
	case OpLessThan:
		return agg < want, nil
	case OpInRange:
		lo, hi, ok := rangeBounds(cond.Value)
		if !ok {
			return false, e.diagnostic(cond, event, "in_range needs a two-element numeric range")
		}
		return agg >= lo && agg <= hi, nil
	default:
		return false, e.diagnostic(cond, event, fmt.Sprintf("operator %q is not valid on a window aggregate", cond.Operator))
	}
}

func (e *ConditionEvaluator) compare(cond *SecurityCondition, event *SecurityEvent, value any) (bool, *Diagnostic) {
	switch cond.Operator {
	case OpEquals:
		return looseEqual(value, cond.Value), nil
	case OpNotEquals:
		return !looseEqual(value, cond.Value), nil
	case OpGreaterThan, OpLessThan:
		got, okGot := toFloat(value)
		want, okWant := toFloat(cond.Value)
		if !okGot || !okWant {
			return false, e.diagnostic(cond, event, "numeric comparison on non-numeric operands")
		}
		if cond.Operator == OpGreaterThan {
			return got > want, nil
		}
		return got < want, nil
	case OpContains:
		return strings.Contains(toString(value), toString(cond.Value)), nil
	case OpMatches:
		re, err := e.compile(toString(cond.Value))
		if err != nil {
			return false, e.diagnostic(cond, event, fmt.Sprintf("malformed pattern: %v", err))
		}
		return re.MatchString(toString(value)), nil
	case OpInRange:
		got, ok := toFloat(value)
		if !ok {
			return false, e.diagnostic(cond, event, "in_range on non-numeric field")
		}
		lo, hi, ok := rangeBounds(cond.Value)
		if !ok {
			return false, e.diagnostic(cond, event, "in_range needs a two-element numeric range")
		}
		return got >= lo && got <= hi, nil
	default:
		return false, e.diagnostic(cond, event, fmt.Sprintf("unknown operator %q", cond.Operator))
	}
}

func (e *ConditionEvaluator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexCache.Store(pattern, re)
	return re, nil
}

func (e *ConditionEvaluator) diagnostic(cond *SecurityCondition, event *SecurityEvent, msg string) *Diagnostic {
	d := &Diagnostic{
		Field:    cond.Field,
		Operator: cond.Operator,
		Message:  msg,
	}
	if event != nil {
		d.EventID = event.ID
		d.Timestamp = event.Timestamp
	}
	return d
}

// looseEqual compares with numeric coercion, so a config value of 5 matches
// a detail value of 5.0 decoded from JSON.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// rangeBounds extracts [lo, hi] from a two-element slice value.
func rangeBounds(v any) (float64, float64, bool) {
	var items []any
	switch r := v.(type) {
	case []any:
		items = r
	case []float64:
		if len(r) == 2 {
			return r[0], r[1], true
		}
		return 0, 0, false
	default:
		return 0, 0, false
	}
	if len(items) != 2 {
		return 0, 0, false
	}
	lo, okLo := toFloat(items[0])
	hi, okHi := toFloat(items[1])
	return lo, hi, okLo && okHi
}

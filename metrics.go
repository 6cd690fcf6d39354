// metrics.go: Read-side aggregation over the alert history.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"sort"
	"time"
)

// TrendDirection says whether a category's alert volume is moving.
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// CategoryTrend compares a category's alert count in the reporting period
// against the prior period of equal length.
type CategoryTrend struct {
	Category      RuleCategory   `json:"category"`
	CurrentCount  int            `json:"current_count"`
	PreviousCount int            `json:"previous_count"`
	Direction     TrendDirection `json:"direction"`
}

// ThreatCount is one entry of the top-threats ranking.
type ThreatCount struct {
	Category RuleCategory `json:"category"`
	Count    int          `json:"count"`
}

// SecurityMetrics is the derived view of a reporting period. It is a pure
// function of the alert history; producing it mutates nothing.
type SecurityMetrics struct {
	From              time.Time        `json:"from"`
	To                time.Time        `json:"to"`
	TotalAlerts       int              `json:"total_alerts"`
	BySeverity        map[Severity]int `json:"by_severity"`
	ResolvedCount     int              `json:"resolved_count"`
	MeanResponseTime  time.Duration    `json:"mean_response_time"`
	FalsePositiveRate float64          `json:"false_positive_rate"`
	CategoryTrends    []CategoryTrend  `json:"category_trends"`
	TopThreats        []ThreatCount    `json:"top_threats"`
	UserRisk          map[string]int   `json:"user_risk"`
}

// MetricsReporter derives SecurityMetrics from alert slices. It holds no
// state of its own.
type MetricsReporter struct {
	topN int
}

// NewMetricsReporter creates a reporter ranking the top n threat
// categories. n defaults to 5 when non-positive.
func NewMetricsReporter(topN int) *MetricsReporter {
	if topN <= 0 {
		topN = 5
	}
	return &MetricsReporter{topN: topN}
}

// Report aggregates the alerts triggered in [from, to). Alerts outside the
// range only contribute to the prior-period half of the category trends.
//
// Mean response time averages the wall-clock span of each alert's recorded
// response list; alerts that dispatched nothing are excluded from the mean.
// User risk sums severity weights per affected user.
func (r *MetricsReporter) Report(alerts []*SecurityAlert, from, to time.Time) *SecurityMetrics {
	period := to.Sub(from)
	priorFrom := from.Add(-period)

	m := &SecurityMetrics{
		From:       from,
		To:         to,
		BySeverity: make(map[Severity]int),
		UserRisk:   make(map[string]int),
	}

	currentByCategory := make(map[RuleCategory]int)
	previousByCategory := make(map[RuleCategory]int)
	var falsePositives int
	var responseTotal time.Duration
	var responded int

	for _, alert := range alerts {
		t := alert.TriggeredAt
		if !t.Before(priorFrom) && t.Before(from) {
			previousByCategory[alert.Category]++
			continue
		}
		if t.Before(from) || !t.Before(to) {
			continue
		}

		m.TotalAlerts++
		m.BySeverity[alert.Severity]++
		currentByCategory[alert.Category]++

		switch alert.Status {
		case StatusResolved:
			m.ResolvedCount++
		case StatusFalsePositive:
			falsePositives++
		}

		if span, ok := responseSpan(alert); ok {
			responseTotal += span
			responded++
		}

		for _, user := range alert.Impact.AffectedUsers {
			m.UserRisk[user] += alert.Severity.Weight()
		}
	}

	if m.TotalAlerts > 0 {
		m.FalsePositiveRate = float64(falsePositives) / float64(m.TotalAlerts)
	}
	if responded > 0 {
		m.MeanResponseTime = responseTotal / time.Duration(responded)
	}

	m.CategoryTrends = buildTrends(currentByCategory, previousByCategory)
	m.TopThreats = topThreats(currentByCategory, r.topN)
	return m
}

// responseSpan measures first action start to last action end.
func responseSpan(alert *SecurityAlert) (time.Duration, bool) {
	if len(alert.Response) == 0 {
		return 0, false
	}
	first := alert.Response[0].StartedAt
	last := first
	for _, rec := range alert.Response {
		if end := rec.StartedAt.Add(rec.Duration); end.After(last) {
			last = end
		}
	}
	return last.Sub(first), true
}

func buildTrends(current, previous map[RuleCategory]int) []CategoryTrend {
	seen := make(map[RuleCategory]bool)
	var trends []CategoryTrend
	add := func(cat RuleCategory) {
		if seen[cat] {
			return
		}
		seen[cat] = true
		cur, prev := current[cat], previous[cat]
		direction := TrendStable
		if cur > prev {
			direction = TrendRising
		} else if cur < prev {
			direction = TrendFalling
		}
		trends = append(trends, CategoryTrend{
			Category:      cat,
			CurrentCount:  cur,
			PreviousCount: prev,
			Direction:     direction,
		})
	}
	for cat := range current {
		add(cat)
	}
	for cat := range previous {
		add(cat)
	}
	sort.Slice(trends, func(i, j int) bool { return trends[i].Category < trends[j].Category })
	return trends
}

func topThreats(current map[RuleCategory]int, n int) []ThreatCount {
	threats := make([]ThreatCount, 0, len(current))
	for cat, count := range current {
		threats = append(threats, ThreatCount{Category: cat, Count: count})
	}
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].Count != threats[j].Count {
			return threats[i].Count > threats[j].Count
		}
		return threats[i].Category < threats[j].Category
	})
	if len(threats) > n {
		threats = threats[:n]
	}
	return threats
}

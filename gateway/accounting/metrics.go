// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package accounting

import (
	"maps"
	"slices"
	"time"
)

// Statuses a request metric can carry.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RequestMetric is one externally visible call against the gateway.
type RequestMetric struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	AccountID string `json:"account_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	DurationMS int64  `json:"duration_ms"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
	Model      string `json:"model,omitempty"`
}

// EndpointUsage aggregates calls hitting one "{METHOD} {endpoint}"
// pair.
type EndpointUsage struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TotalDurationMS    int64   `json:"total_duration_ms"`
	AvgDurationMS      float64 `json:"avg_duration_ms"`
}

// AccountUsage aggregates calls made on behalf of one account.
type AccountUsage struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	Errors             map[string]int64 `json:"errors,omitempty"`
}

// ProjectUsage aggregates calls routed through one project.
type ProjectUsage struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	TokensUsed         int64 `json:"tokens_used"`
}

// Aggregate is the continuously maintained rollup over one period.
// Averages are always recomputed from the summed totals, never kept
// as running means.
type Aggregate struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TotalDurationMS    int64   `json:"total_duration_ms"`
	AvgDurationMS      float64 `json:"avg_duration_ms"`

	ByEndpoint map[string]EndpointUsage `json:"by_endpoint,omitempty"`
	ByAccount  map[string]AccountUsage  `json:"by_account,omitempty"`
	ByProject  map[string]ProjectUsage  `json:"by_project,omitempty"`

	ErrorBreakdown map[string]int64 `json:"error_breakdown,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DailyUsage is one UTC day of request metrics with its aggregate.
type DailyUsage struct {
	Date      string          `json:"date"`
	Requests  []RequestMetric `json:"requests"`
	Aggregate Aggregate       `json:"aggregate"`
}

// apply folds one metric into the aggregate.
func (agg *Aggregate) apply(metric RequestMetric) {
	success := metric.Status == StatusSuccess

	agg.TotalRequests++
	agg.TotalDurationMS += metric.DurationMS
	agg.AvgDurationMS = float64(agg.TotalDurationMS) / float64(agg.TotalRequests)
	if success {
		agg.SuccessfulRequests++
	} else {
		agg.FailedRequests++
		if metric.ErrorType != "" {
			if agg.ErrorBreakdown == nil {
				agg.ErrorBreakdown = make(map[string]int64)
			}
			agg.ErrorBreakdown[metric.ErrorType]++
		}
	}

	if agg.ByEndpoint == nil {
		agg.ByEndpoint = make(map[string]EndpointUsage)
	}
	endpoint := metric.Method + " " + metric.Endpoint
	slot := agg.ByEndpoint[endpoint]
	slot.TotalRequests++
	slot.TotalDurationMS += metric.DurationMS
	slot.AvgDurationMS = float64(slot.TotalDurationMS) / float64(slot.TotalRequests)
	if success {
		slot.SuccessfulRequests++
	} else {
		slot.FailedRequests++
	}
	agg.ByEndpoint[endpoint] = slot

	if metric.AccountID != "" {
		if agg.ByAccount == nil {
			agg.ByAccount = make(map[string]AccountUsage)
		}
		account := agg.ByAccount[metric.AccountID]
		account.TotalRequests++
		if success {
			account.SuccessfulRequests++
		} else {
			account.FailedRequests++
			if metric.ErrorType != "" {
				if account.Errors == nil {
					account.Errors = make(map[string]int64)
				}
				account.Errors[metric.ErrorType]++
			}
		}
		agg.ByAccount[metric.AccountID] = account
	}

	if metric.ProjectID != "" {
		if agg.ByProject == nil {
			agg.ByProject = make(map[string]ProjectUsage)
		}
		project := agg.ByProject[metric.ProjectID]
		project.TotalRequests++
		if success {
			project.SuccessfulRequests++
		} else {
			project.FailedRequests++
		}
		project.TokensUsed += metric.TokensUsed
		agg.ByProject[metric.ProjectID] = project
	}
}

// merge folds another aggregate into this one, recomputing averages
// from the summed totals.
func (agg *Aggregate) merge(other Aggregate) {
	agg.TotalRequests += other.TotalRequests
	agg.SuccessfulRequests += other.SuccessfulRequests
	agg.FailedRequests += other.FailedRequests
	agg.TotalDurationMS += other.TotalDurationMS
	if agg.TotalRequests > 0 {
		agg.AvgDurationMS = float64(agg.TotalDurationMS) / float64(agg.TotalRequests)
	}

	for endpoint, usage := range other.ByEndpoint {
		if agg.ByEndpoint == nil {
			agg.ByEndpoint = make(map[string]EndpointUsage)
		}
		slot := agg.ByEndpoint[endpoint]
		slot.TotalRequests += usage.TotalRequests
		slot.SuccessfulRequests += usage.SuccessfulRequests
		slot.FailedRequests += usage.FailedRequests
		slot.TotalDurationMS += usage.TotalDurationMS
		if slot.TotalRequests > 0 {
			slot.AvgDurationMS = float64(slot.TotalDurationMS) / float64(slot.TotalRequests)
		}
		agg.ByEndpoint[endpoint] = slot
	}

	for accountID, usage := range other.ByAccount {
		if agg.ByAccount == nil {
			agg.ByAccount = make(map[string]AccountUsage)
		}
		slot := agg.ByAccount[accountID]
		slot.TotalRequests += usage.TotalRequests
		slot.SuccessfulRequests += usage.SuccessfulRequests
		slot.FailedRequests += usage.FailedRequests
		for kind, count := range usage.Errors {
			if slot.Errors == nil {
				slot.Errors = make(map[string]int64)
			}
			slot.Errors[kind] += count
		}
		agg.ByAccount[accountID] = slot
	}

	for projectID, usage := range other.ByProject {
		if agg.ByProject == nil {
			agg.ByProject = make(map[string]ProjectUsage)
		}
		slot := agg.ByProject[projectID]
		slot.TotalRequests += usage.TotalRequests
		slot.SuccessfulRequests += usage.SuccessfulRequests
		slot.FailedRequests += usage.FailedRequests
		slot.TokensUsed += usage.TokensUsed
		agg.ByProject[projectID] = slot
	}

	for kind, count := range other.ErrorBreakdown {
		if agg.ErrorBreakdown == nil {
			agg.ErrorBreakdown = make(map[string]int64)
		}
		agg.ErrorBreakdown[kind] += count
	}

	if other.UpdatedAt.After(agg.UpdatedAt) {
		agg.UpdatedAt = other.UpdatedAt
	}
}

// clone returns a copy safe to mutate while readers hold the
// original.
func (day *DailyUsage) clone() *DailyUsage {
	dup := *day
	dup.Requests = slices.Clone(day.Requests)
	dup.Aggregate.ByEndpoint = maps.Clone(day.Aggregate.ByEndpoint)
	dup.Aggregate.ByProject = maps.Clone(day.Aggregate.ByProject)
	dup.Aggregate.ErrorBreakdown = maps.Clone(day.Aggregate.ErrorBreakdown)
	if day.Aggregate.ByAccount != nil {
		dup.Aggregate.ByAccount = make(map[string]AccountUsage, len(day.Aggregate.ByAccount))
		for accountID, usage := range day.Aggregate.ByAccount {
			usage.Errors = maps.Clone(usage.Errors)
			dup.Aggregate.ByAccount[accountID] = usage
		}
	}
	return &dup
}

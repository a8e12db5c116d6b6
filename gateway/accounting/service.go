// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package accounting records per-request metrics and rolls them up
// into daily usage reports.
package accounting

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/genrelay/private/kvstore"
)

var (
	// Error is the default error class for the accounting package.
	Error = errs.Class("accounting")

	mon = monkit.Package()
)

const (
	metricsKeyPrefix = "metrics:"
	dateLayout       = "2006-01-02"
)

// Config configures the metrics service.
type Config struct {
	CacheExpiration time.Duration `help:"how long a day's metrics are served from memory" default:"10s" testDefault:"50ms"`
	Retention       time.Duration `help:"how long daily metric records are kept" default:"720h"`
}

// Key returns the storage key for one UTC date.
func Key(date string) kvstore.Key {
	return kvstore.Key(metricsKeyPrefix + date)
}

// Service records request metrics and serves daily aggregates. A
// short lived in-process cache per date fronts the KV reads.
type Service struct {
	log    *zap.Logger
	db     kvstore.Store
	config Config

	// mu serializes the load-modify-save sequence in Record.
	mu    sync.Mutex
	cache *cache.Cache

	nowFn func() time.Time
}

// NewService constructs a Service on top of the given store.
func NewService(log *zap.Logger, db kvstore.Store, config Config) *Service {
	if config.CacheExpiration <= 0 {
		config.CacheExpiration = 10 * time.Second
	}
	if config.Retention <= 0 {
		config.Retention = 30 * 24 * time.Hour
	}
	return &Service{
		log:    log,
		db:     db,
		config: config,
		cache:  cache.New(config.CacheExpiration, time.Minute),
		nowFn:  time.Now,
	}
}

// SetNow allows tests to have the service act as if the current time
// is whatever they want.
func (service *Service) SetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

// Record appends one metric to its UTC day and updates the aggregate
// in the same write. A missing id and timestamp are filled in.
func (service *Service) Record(ctx context.Context, metric RequestMetric) (err error) {
	defer mon.Task()(&ctx)(&err)

	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = service.nowFn()
	}
	metric.Timestamp = metric.Timestamp.UTC()
	if metric.Status == "" {
		metric.Status = StatusSuccess
	}
	date := metric.Timestamp.Format(dateLayout)

	service.mu.Lock()
	defer service.mu.Unlock()

	day, err := service.loadDay(ctx, date)
	if err != nil {
		return err
	}
	day = day.clone()

	day.Requests = append(day.Requests, metric)
	day.Aggregate.apply(metric)
	day.Aggregate.UpdatedAt = service.nowFn().UTC()

	if err := service.saveDay(ctx, day); err != nil {
		return err
	}
	mon.Meter("request_metric").Mark(1)
	return nil
}

// GetDaily returns one UTC day of metrics. Days without records read
// as empty. The returned value is shared, callers must not mutate it.
func (service *Service) GetDaily(ctx context.Context, date string) (_ *DailyUsage, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.loadDay(ctx, date)
}

// GetAggregated merges the daily aggregates over an inclusive date
// range. The days are loaded in parallel.
func (service *Service) GetAggregated(ctx context.Context, start, end string) (_ Aggregate, err error) {
	defer mon.Task()(&ctx)(&err)

	from, err := time.ParseInLocation(dateLayout, start, time.UTC)
	if err != nil {
		return Aggregate{}, Error.New("invalid start date %q: %v", start, err)
	}
	until, err := time.ParseInLocation(dateLayout, end, time.UTC)
	if err != nil {
		return Aggregate{}, Error.New("invalid end date %q: %v", end, err)
	}
	if until.Before(from) {
		return Aggregate{}, Error.New("end date %s before start date %s", end, start)
	}

	var dates []string
	for day := from; !day.After(until); day = day.Add(24 * time.Hour) {
		dates = append(dates, day.Format(dateLayout))
	}

	days := make([]*DailyUsage, len(dates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, date := range dates {
		group.Go(func() error {
			day, err := service.loadDay(groupCtx, date)
			if err != nil {
				return err
			}
			days[i] = day
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Aggregate{}, err
	}

	merged := Aggregate{
		PeriodStart: from,
		PeriodEnd:   until.Add(24 * time.Hour),
	}
	for _, day := range days {
		merged.merge(day.Aggregate)
	}
	return merged, nil
}

// ErrorRate is an account's share of failed calls over one day.
type ErrorRate struct {
	ErrorRate float64 `json:"error_rate"`
	Total     int64   `json:"total"`
}

// AccountErrorRates computes the per-account failure share for one
// UTC day.
func (service *Service) AccountErrorRates(ctx context.Context, date string) (_ map[string]ErrorRate, err error) {
	defer mon.Task()(&ctx)(&err)

	day, err := service.loadDay(ctx, date)
	if err != nil {
		return nil, err
	}

	rates := make(map[string]ErrorRate, len(day.Aggregate.ByAccount))
	for accountID, usage := range day.Aggregate.ByAccount {
		rate := ErrorRate{Total: usage.TotalRequests}
		if usage.TotalRequests > 0 {
			rate.ErrorRate = float64(usage.FailedRequests) / float64(usage.TotalRequests)
		}
		rates[accountID] = rate
	}
	return rates, nil
}

// PredictQuotaExhaustion extrapolates today's request rate of a
// project against its daily quota. The zero time means the quota is
// not expected to run out before the UTC day ends.
func (service *Service) PredictQuotaExhaustion(ctx context.Context, projectID string, dailyQuota int64) (_ time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	now := service.nowFn().UTC()
	day, err := service.loadDay(ctx, now.Format(dateLayout))
	if err != nil {
		return time.Time{}, err
	}

	used := day.Aggregate.ByProject[projectID].TotalRequests
	if dailyQuota-used <= 0 {
		return now, nil
	}

	dayStart := now.Truncate(24 * time.Hour)
	elapsed := now.Sub(dayStart).Hours()
	if elapsed <= 0 || used == 0 {
		return time.Time{}, nil
	}

	perHour := float64(used) / elapsed
	hoursLeft := float64(dailyQuota-used) / perHour
	exhaustAt := now.Add(time.Duration(hoursLeft * float64(time.Hour)))
	if exhaustAt.Before(dayStart.Add(24 * time.Hour)) {
		return exhaustAt, nil
	}
	return time.Time{}, nil
}

// InvalidateCache drops the in-process day cache.
func (service *Service) InvalidateCache() {
	service.cache.Flush()
}

// loadDay returns the cached day or loads it from KV. The returned
// value is shared, Record clones before mutating.
func (service *Service) loadDay(ctx context.Context, date string) (*DailyUsage, error) {
	if cached, ok := service.cache.Get(date); ok {
		return cached.(*DailyUsage), nil
	}

	value, err := service.db.Get(ctx, Key(date))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return emptyDay(date)
		}
		return nil, Error.Wrap(err)
	}

	var day DailyUsage
	if err := json.Unmarshal(value, &day); err != nil {
		return nil, Error.New("undecodable metrics record for %s: %v", date, err)
	}
	// Add never displaces a newer entry written by Record.
	_ = service.cache.Add(date, &day, cache.DefaultExpiration)
	return &day, nil
}

func (service *Service) saveDay(ctx context.Context, day *DailyUsage) error {
	data, err := json.Marshal(day)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := service.db.Put(ctx, Key(day.Date), data, service.config.Retention); err != nil {
		return Error.Wrap(err)
	}
	service.cache.SetDefault(day.Date, day)
	return nil
}

func emptyDay(date string) (*DailyUsage, error) {
	start, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return nil, Error.New("invalid date %q: %v", date, err)
	}
	return &DailyUsage{
		Date: date,
		Aggregate: Aggregate{
			PeriodStart: start,
			PeriodEnd:   start.Add(24 * time.Hour),
		},
	}, nil
}

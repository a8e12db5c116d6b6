// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package accounting_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/private/kvstore/teststore"
)

func newTestService(t *testing.T) (*accounting.Service, *teststore.Client) {
	db := teststore.New()
	service := accounting.NewService(zaptest.NewLogger(t), db, accounting.Config{
		CacheExpiration: time.Hour,
	})
	return service, db
}

func TestRecordAggregates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db := newTestService(t)
	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	service.SetNow(func() time.Time { return fixed })

	metrics := []accounting.RequestMetric{
		{Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com", ProjectID: "project-1",
			DurationMS: 100, Status: accounting.StatusSuccess, TokensUsed: 40},
		{Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com", ProjectID: "project-1",
			DurationMS: 200, Status: accounting.StatusSuccess, TokensUsed: 60},
		{Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com", ProjectID: "project-1",
			DurationMS: 300, Status: accounting.StatusError, ErrorType: "rate_limit", StatusCode: 429},
	}
	for _, metric := range metrics {
		require.NoError(t, service.Record(ctx, metric))
	}

	day, err := service.GetDaily(ctx, "2026-08-25")
	require.NoError(t, err)
	require.Len(t, day.Requests, 3)

	agg := day.Aggregate
	require.EqualValues(t, 3, agg.TotalRequests)
	require.EqualValues(t, 2, agg.SuccessfulRequests)
	require.EqualValues(t, 1, agg.FailedRequests)
	require.EqualValues(t, len(day.Requests), agg.TotalRequests)
	require.Equal(t, agg.TotalRequests, agg.SuccessfulRequests+agg.FailedRequests)
	require.EqualValues(t, 600, agg.TotalDurationMS)
	require.Equal(t, 200.0, agg.AvgDurationMS)
	require.EqualValues(t, 1, agg.ErrorBreakdown["rate_limit"])
	require.Equal(t, fixed, agg.UpdatedAt)

	endpoint := agg.ByEndpoint["POST /gen"]
	require.EqualValues(t, 3, endpoint.TotalRequests)
	require.Equal(t, 200.0, endpoint.AvgDurationMS)

	account := agg.ByAccount["alice@example.com"]
	require.EqualValues(t, 3, account.TotalRequests)
	require.EqualValues(t, 1, account.FailedRequests)
	require.EqualValues(t, 1, account.Errors["rate_limit"])

	project := agg.ByProject["project-1"]
	require.EqualValues(t, 3, project.TotalRequests)
	require.EqualValues(t, 100, project.TokensUsed)

	// A cold service over the same store sees the persisted record.
	fresh := accounting.NewService(zaptest.NewLogger(t), db, accounting.Config{})
	reloaded, err := fresh.GetDaily(ctx, "2026-08-25")
	require.NoError(t, err)
	require.EqualValues(t, 3, reloaded.Aggregate.TotalRequests)
	require.Len(t, reloaded.Requests, 3)
}

func TestRecordFillsIdentity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newTestService(t)
	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	service.SetNow(func() time.Time { return fixed })

	require.NoError(t, service.Record(ctx, accounting.RequestMetric{
		Endpoint: "/gen", Method: "POST", DurationMS: 10,
	}))

	day, err := service.GetDaily(ctx, "2026-08-25")
	require.NoError(t, err)
	require.Len(t, day.Requests, 1)

	metric := day.Requests[0]
	_, err = uuid.Parse(metric.ID)
	require.NoError(t, err)
	require.Equal(t, fixed, metric.Timestamp)
	require.Equal(t, accounting.StatusSuccess, metric.Status)
}

func TestRecordUsesUTCDate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newTestService(t)

	kolkata := time.FixedZone("IST", 5*3600+30*60)
	require.NoError(t, service.Record(ctx, accounting.RequestMetric{
		Endpoint: "/gen", Method: "POST", DurationMS: 10,
		Timestamp: time.Date(2026, 8, 26, 1, 30, 0, 0, kolkata),
	}))

	day, err := service.GetDaily(ctx, "2026-08-25")
	require.NoError(t, err)
	require.EqualValues(t, 1, day.Aggregate.TotalRequests)
}

func TestGetAggregatedMergesDays(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newTestService(t)

	day1 := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	require.NoError(t, service.Record(ctx, accounting.RequestMetric{
		Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com",
		DurationMS: 100, Status: accounting.StatusSuccess, Timestamp: day1,
	}))
	require.NoError(t, service.Record(ctx, accounting.RequestMetric{
		Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com",
		DurationMS: 300, Status: accounting.StatusSuccess, Timestamp: day2,
	}))
	require.NoError(t, service.Record(ctx, accounting.RequestMetric{
		Endpoint: "/status", Method: "GET", AccountID: "alice@example.com",
		DurationMS: 200, Status: accounting.StatusError, ErrorType: "server", Timestamp: day2,
	}))

	// The range includes a day with no records.
	merged, err := service.GetAggregated(ctx, "2026-08-24", "2026-08-26")
	require.NoError(t, err)

	require.EqualValues(t, 3, merged.TotalRequests)
	require.EqualValues(t, 2, merged.SuccessfulRequests)
	require.EqualValues(t, 1, merged.FailedRequests)
	require.EqualValues(t, 600, merged.TotalDurationMS)
	require.Equal(t, 200.0, merged.AvgDurationMS)
	require.EqualValues(t, 1, merged.ErrorBreakdown["server"])

	endpoint := merged.ByEndpoint["POST /gen"]
	require.EqualValues(t, 2, endpoint.TotalRequests)
	require.Equal(t, 200.0, endpoint.AvgDurationMS)
	require.EqualValues(t, 1, merged.ByEndpoint["GET /status"].TotalRequests)
	require.EqualValues(t, 3, merged.ByAccount["alice@example.com"].TotalRequests)

	require.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), merged.PeriodStart)
	require.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), merged.PeriodEnd)

	_, err = service.GetAggregated(ctx, "2026-08-26", "2026-08-24")
	require.Error(t, err)
	require.True(t, accounting.Error.Has(err))

	_, err = service.GetAggregated(ctx, "yesterday", "2026-08-26")
	require.Error(t, err)
}

func TestAccountErrorRates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newTestService(t)
	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	service.SetNow(func() time.Time { return fixed })

	for _, metric := range []accounting.RequestMetric{
		{Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com", Status: accounting.StatusSuccess},
		{Endpoint: "/gen", Method: "POST", AccountID: "alice@example.com", Status: accounting.StatusError, ErrorType: "rate_limit"},
		{Endpoint: "/gen", Method: "POST", AccountID: "bob@example.com", Status: accounting.StatusSuccess},
	} {
		require.NoError(t, service.Record(ctx, metric))
	}

	rates, err := service.AccountErrorRates(ctx, "2026-08-25")
	require.NoError(t, err)
	require.Len(t, rates, 2)
	require.Equal(t, accounting.ErrorRate{ErrorRate: 0.5, Total: 2}, rates["alice@example.com"])
	require.Equal(t, accounting.ErrorRate{ErrorRate: 0, Total: 1}, rates["bob@example.com"])
}

func TestPredictQuotaExhaustion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newTestService(t)
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	service.SetNow(func() time.Time { return fixed })

	// Six requests in the twelve hours since midnight, one every two
	// hours.
	for range 6 {
		require.NoError(t, service.Record(ctx, accounting.RequestMetric{
			Endpoint: "/gen", Method: "POST", ProjectID: "project-1",
			DurationMS: 10, Status: accounting.StatusSuccess,
		}))
	}

	t.Run("already exhausted", func(t *testing.T) {
		at, err := service.PredictQuotaExhaustion(ctx, "project-1", 5)
		require.NoError(t, err)
		require.Equal(t, fixed, at)
	})

	t.Run("exhausts before midnight", func(t *testing.T) {
		// Two requests of headroom at half a request per hour.
		at, err := service.PredictQuotaExhaustion(ctx, "project-1", 8)
		require.NoError(t, err)
		require.WithinDuration(t, fixed.Add(4*time.Hour), at, time.Second)
	})

	t.Run("quota outlives the day", func(t *testing.T) {
		at, err := service.PredictQuotaExhaustion(ctx, "project-1", 100)
		require.NoError(t, err)
		require.True(t, at.IsZero())
	})

	t.Run("no usage no prediction", func(t *testing.T) {
		at, err := service.PredictQuotaExhaustion(ctx, "project-quiet", 10)
		require.NoError(t, err)
		require.True(t, at.IsZero())
	})
}

func TestDayCacheFrontsReads(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db := newTestService(t)
	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	service.SetNow(func() time.Time { return fixed })

	require.NoError(t, service.Record(ctx, accounting.RequestMetric{
		Endpoint: "/gen", Method: "POST", DurationMS: 10, Status: accounting.StatusSuccess,
	}))

	// The cached day is served without touching the store.
	db.ForceError = 1
	day, err := service.GetDaily(ctx, "2026-08-25")
	require.NoError(t, err)
	require.EqualValues(t, 1, day.Aggregate.TotalRequests)

	// Dropping the cache exposes the store failure.
	service.InvalidateCache()
	_, err = service.GetDaily(ctx, "2026-08-25")
	require.Error(t, err)
}

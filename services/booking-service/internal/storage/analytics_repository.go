package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/creatorhq/libs/db"
	"github.com/shopspring/decimal"
)

type AnalyticsRepository struct {
	pool *db.Pool
}

func NewAnalyticsRepository(pool *db.Pool) *AnalyticsRepository {
	return &AnalyticsRepository{pool: pool}
}

// RevenueMetrics are computed from bookings whose booking_date falls in the
// requested window.
type RevenueMetrics struct {
	TotalRevenue        decimal.Decimal `json:"total_revenue"`
	PaidBookings        int             `json:"paid_bookings"`
	RefundedAmount      decimal.Decimal `json:"refunded_amount"`
	AverageBookingValue decimal.Decimal `json:"average_booking_value"`
}

// BookingMetrics returns the rows of aggregate_booking_metrics as opaque JSON.
func (r *AnalyticsRepository) BookingMetrics(ctx context.Context, creatorID string, start, end time.Time) ([]json.RawMessage, error) {
	return r.procedureRows(ctx, `SELECT to_jsonb(m)::text FROM aggregate_booking_metrics($1, $2, $3) AS m`, creatorID, start, end)
}

// EngagementMetrics returns the rows of aggregate_engagement_metrics as opaque JSON.
func (r *AnalyticsRepository) EngagementMetrics(ctx context.Context, creatorID string, start, end time.Time) ([]json.RawMessage, error) {
	return r.procedureRows(ctx, `SELECT to_jsonb(m)::text FROM aggregate_engagement_metrics($1, $2, $3) AS m`, creatorID, start, end)
}

func (r *AnalyticsRepository) Revenue(ctx context.Context, creatorID string, start, end time.Time) (RevenueMetrics, error) {
	var total, refunded string
	var m RevenueMetrics
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(price) FILTER (WHERE payment_status = 'paid'), 0)::text,
			COUNT(*) FILTER (WHERE payment_status = 'paid'),
			COALESCE(SUM(price) FILTER (WHERE payment_status = 'refunded'), 0)::text
		FROM bookings
		WHERE creator_id = $1 AND booking_date >= $2 AND booking_date < $3
	`, creatorID, start, end).Scan(&total, &m.PaidBookings, &refunded)
	if err != nil {
		return RevenueMetrics{}, err
	}
	if m.TotalRevenue, err = decimal.NewFromString(total); err != nil {
		return RevenueMetrics{}, err
	}
	if m.RefundedAmount, err = decimal.NewFromString(refunded); err != nil {
		return RevenueMetrics{}, err
	}
	if m.PaidBookings > 0 {
		m.AverageBookingValue = m.TotalRevenue.Div(decimal.NewFromInt(int64(m.PaidBookings))).Round(2)
	}
	return m, nil
}

func (r *AnalyticsRepository) procedureRows(ctx context.Context, sql, creatorID string, start, end time.Time) ([]json.RawMessage, error) {
	rows, err := r.pool.Query(ctx, sql, creatorID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

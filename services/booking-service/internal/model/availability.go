package model

import "time"

// AvailabilityRule is a recurring weekly window. Times are "HH:MM" in UTC,
// DayOfWeek follows time.Weekday (0 = Sunday).
type AvailabilityRule struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creator_id"`
	DayOfWeek   int    `json:"day_of_week"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable bool   `json:"is_available"`
}

// BlockedDateRange covers whole UTC calendar days, both ends inclusive.
type BlockedDateRange struct {
	ID        string    `json:"id"`
	CreatorID string    `json:"creator_id"`
	StartDate time.Time `json:"-"`
	EndDate   time.Time `json:"-"`
	Reason    string    `json:"reason,omitempty"`
}

func (b BlockedDateRange) Covers(t time.Time) bool {
	day := TruncateDay(t)
	return !day.Before(TruncateDay(b.StartDate)) && !day.After(TruncateDay(b.EndDate))
}

// TruncateDay returns midnight UTC of t's UTC calendar date.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

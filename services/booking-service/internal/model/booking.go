package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"

	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
)

// MaxDurationMinutes caps a booking at one day.
const (
	MaxDurationMinutes = 24 * 60
	MaxDuration        = MaxDurationMinutes * time.Minute
)

// ServiceTypes is the fixed set of bookable services.
var ServiceTypes = []string{"consultation", "workshop", "mentoring", "custom"}

// InstantLayout is the wire format of booking instants: UTC with millisecond precision.
const InstantLayout = "2006-01-02T15:04:05.000Z"

type Booking struct {
	ID              string
	CreatorID       string
	ClientName      string
	ClientEmail     string
	ClientPhone     string
	ServiceType     string
	BookingDate     time.Time
	DurationMinutes int
	Price           decimal.Decimal
	PaymentStatus   string
	Status          string
	Notes           string
	AgreeTerms      bool
	IdempotencyKey  string
	PaymentIntentID string
	CalendarEventID string
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (b Booking) Duration() time.Duration {
	return time.Duration(b.DurationMinutes) * time.Minute
}

func (b Booking) End() time.Time {
	return b.BookingDate.Add(b.Duration())
}

// Active reports whether the booking still occupies its slot.
func (b Booking) Active() bool {
	return b.Status == StatusPending || b.Status == StatusConfirmed
}

func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

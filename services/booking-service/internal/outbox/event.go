package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateBooking = "booking"

	EventBookingRequested = "booking.booking.requested.v1"
	EventBookingConfirmed = "booking.booking.confirmed.v1"
	EventBookingCancelled = "booking.booking.cancelled.v1"
)

// BookingPayload is the body of every booking lifecycle event.
type BookingPayload struct {
	BookingID       string `json:"booking_id"`
	CreatorID       string `json:"creator_id"`
	ClientEmail     string `json:"client_email"`
	ServiceType     string `json:"service_type"`
	BookingDate     string `json:"booking_date"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

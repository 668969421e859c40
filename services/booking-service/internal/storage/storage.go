package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/outbox"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateProviderEvent = errors.New("duplicate provider event")
)

// queryer is the subset shared by the pool and a transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is the unit of work used by booking writes and payment webhooks. Every
// method runs inside one database transaction.
type Tx interface {
	availability.Source

	// LockCreator serializes writers for creatorID until the transaction ends.
	LockCreator(ctx context.Context, creatorID string) error
	LockIdempotencyKey(ctx context.Context, creatorID, key string) (IdempotencyRecord, bool, error)
	FinalizeIdempotency(ctx context.Context, creatorID, key, bookingID string, statusCode int, response []byte) error

	InsertBooking(ctx context.Context, b *model.Booking) (string, error)
	GetBookingForUpdate(ctx context.Context, creatorID, bookingID string) (model.Booking, error)
	UpdateBookingStatus(ctx context.Context, creatorID, bookingID, status, reason string) (time.Time, error)

	InsertProviderEvent(ctx context.Context, evt ProviderEvent) error
	SetPaymentStatus(ctx context.Context, ref PaymentRef, status string) (model.Booking, error)

	InsertEvent(ctx context.Context, evt outbox.Event) error
}

type IdempotencyRecord struct {
	CreatorID       string
	IdempotencyKey  string
	BookingID       string
	StatusCode      int
	ResponsePayload []byte
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// PaymentRef locates a booking from a payment provider event. Either field
// may be empty.
type PaymentRef struct {
	BookingID       string
	PaymentIntentID string
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

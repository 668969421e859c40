// Package booking owns every state change of a booking row: public intake,
// creator confirmation and cancellation.
package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"github.com/shopspring/decimal"
)

// Store opens the transactional unit of work.
type Store interface {
	InTx(ctx context.Context, fn func(storage.Tx) error) error
}

type Config struct {
	// DefaultCreatorID is used when the public payload names no creator.
	DefaultCreatorID string
	Prices           map[string]decimal.Decimal
	// Timeout bounds each write, including lock waits.
	Timeout time.Duration
}

type Writer struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// CreateResponse is the body returned for a created booking. It is stored
// with the idempotency key and replayed verbatim.
type CreateResponse struct {
	Success   bool   `json:"success"`
	BookingID string `json:"booking_id"`
}

type Result struct {
	BookingID  string
	StatusCode int
	Body       []byte
	Replayed   bool
}

func NewWriter(store Store, logger *slog.Logger, cfg Config) *Writer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Writer{store: store, cfg: cfg, logger: logger}
}

// Create persists a validated draft as a pending booking. The slot is checked
// against the creator's availability under a per-creator transaction lock so
// concurrent submissions for one slot cannot both succeed. idemKey may be
// empty; a key is then derived from the booking's identifying fields.
func (w *Writer) Create(ctx context.Context, draft model.Booking, idemKey string) (Result, error) {
	draft.CreatorID = strings.TrimSpace(draft.CreatorID)
	if draft.CreatorID == "" {
		draft.CreatorID = w.cfg.DefaultCreatorID
	}
	if draft.CreatorID == "" {
		return Result{}, apperr.Validation("validation failed", map[string]string{"creator_id": "is required"})
	}
	draft.Status = model.StatusPending
	draft.PaymentStatus = model.PaymentPending
	draft.Price = w.price(draft.ServiceType)
	draft.BookingDate = draft.BookingDate.UTC()

	idemKey = strings.TrimSpace(idemKey)
	derived := idemKey == ""
	if derived {
		idemKey = DeriveIdempotencyKey(draft)
	}
	draft.IdempotencyKey = idemKey

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	var res Result
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockCreator(ctx, draft.CreatorID); err != nil {
			return fmt.Errorf("lock creator: %w", err)
		}
		rec, exists, err := tx.LockIdempotencyKey(ctx, draft.CreatorID, idemKey)
		if err != nil {
			return fmt.Errorf("lock idempotency key: %w", err)
		}
		snap, err := availability.Load(ctx, tx, draft.CreatorID)
		if err != nil {
			return err
		}
		// A derived key only replays while its booking still holds the slot;
		// a client may rebook after the creator cancelled.
		if exists && rec.BookingID != "" && rec.StatusCode > 0 && (!derived || holdsSlot(snap, rec.BookingID)) {
			res = Result{BookingID: rec.BookingID, StatusCode: rec.StatusCode, Body: rec.ResponsePayload, Replayed: true}
			return nil
		}
		if !availability.IsSlotAvailable(snap, draft.BookingDate, draft.Duration()) {
			return apperr.Conflict("requested slot is not available")
		}

		id, err := tx.InsertBooking(ctx, &draft)
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		draft.ID = id

		if err := w.emit(ctx, tx, outbox.EventBookingRequested, draft, ""); err != nil {
			return err
		}

		body, err := json.Marshal(CreateResponse{Success: true, BookingID: id})
		if err != nil {
			return err
		}
		if err := tx.FinalizeIdempotency(ctx, draft.CreatorID, idemKey, id, http.StatusCreated, body); err != nil {
			return fmt.Errorf("finalize idempotency key: %w", err)
		}
		res = Result{BookingID: id, StatusCode: http.StatusCreated, Body: body}
		return nil
	})
	if err != nil {
		return Result{}, classify("create booking", err)
	}
	if res.Replayed {
		w.logger.Info("booking replayed", "booking_id", res.BookingID, "creator_id", draft.CreatorID)
	} else {
		w.logger.Info("booking created", "booking_id", res.BookingID, "creator_id", draft.CreatorID,
			"booking_date", model.FormatInstant(draft.BookingDate))
	}
	return res, nil
}

// Confirm moves a pending booking to confirmed. Confirming a confirmed
// booking is a no-op.
func (w *Writer) Confirm(ctx context.Context, creatorID, bookingID string) (model.Booking, error) {
	return w.transition(ctx, creatorID, bookingID, model.StatusConfirmed, "")
}

// Cancel moves a pending or confirmed booking to cancelled. Cancelling a
// cancelled booking is a no-op.
func (w *Writer) Cancel(ctx context.Context, creatorID, bookingID, reason string) (model.Booking, error) {
	return w.transition(ctx, creatorID, bookingID, model.StatusCancelled, strings.TrimSpace(reason))
}

func (w *Writer) transition(ctx context.Context, creatorID, bookingID, to, reason string) (model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	var out model.Booking
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, creatorID, bookingID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("booking not found")
		}
		if err != nil {
			return fmt.Errorf("load booking: %w", err)
		}
		if b.Status == to {
			out = b
			return nil
		}
		if b.Status == model.StatusCancelled {
			return apperr.Conflict("booking is cancelled")
		}

		updatedAt, err := tx.UpdateBookingStatus(ctx, creatorID, bookingID, to, reason)
		if err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
		b.Status = to
		b.CancelReason = reason
		b.UpdatedAt = updatedAt

		eventType := outbox.EventBookingConfirmed
		if to == model.StatusCancelled {
			eventType = outbox.EventBookingCancelled
		}
		if err := w.emit(ctx, tx, eventType, b, reason); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return model.Booking{}, classify(to+" booking", err)
	}
	w.logger.Info("booking status changed", "booking_id", out.ID, "creator_id", creatorID, "status", out.Status)
	return out, nil
}

func (w *Writer) emit(ctx context.Context, tx storage.Tx, eventType string, b model.Booking, reason string) error {
	payload, err := json.Marshal(outbox.BookingPayload{
		BookingID:       b.ID,
		CreatorID:       b.CreatorID,
		ClientEmail:     b.ClientEmail,
		ServiceType:     b.ServiceType,
		BookingDate:     model.FormatInstant(b.BookingDate),
		DurationMinutes: b.DurationMinutes,
		Status:          b.Status,
		Reason:          reason,
	})
	if err != nil {
		return err
	}
	if err := tx.InsertEvent(ctx, outbox.Event{
		AggregateType: outbox.AggregateBooking,
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("write outbox event: %w", err)
	}
	return nil
}

func (w *Writer) price(serviceType string) decimal.Decimal {
	if p, ok := w.cfg.Prices[serviceType]; ok {
		return p
	}
	return decimal.Zero
}

// DeriveIdempotencyKey identifies a submission by creator, client email,
// instant and duration, so a resubmitted form maps to the same booking.
func DeriveIdempotencyKey(b model.Booking) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		b.CreatorID,
		strings.ToLower(b.ClientEmail),
		model.FormatInstant(b.BookingDate),
		strconv.Itoa(b.DurationMinutes),
	}, "|")))
	return "derived:" + hex.EncodeToString(sum[:])
}

func holdsSlot(snap availability.Snapshot, bookingID string) bool {
	for _, b := range snap.Bookings {
		if b.ID == bookingID && b.Active() {
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Upstream(op, err)
}

// ParsePrices parses "consultation=150,workshop=300" into a price list.
func ParsePrices(raw string) (map[string]decimal.Decimal, error) {
	prices := map[string]decimal.Decimal{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, amount, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid price entry %q", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil || d.IsNegative() {
			return nil, fmt.Errorf("invalid price for %q", name)
		}
		prices[strings.TrimSpace(name)] = d
	}
	return prices, nil
}

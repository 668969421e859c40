package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/creatorhq/libs/db"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/outbox"
	"github.com/shopspring/decimal"
)

const bookingColumns = `id::text, creator_id, client_name, client_email, client_phone, service_type,
	booking_date, duration_minutes, price::text, payment_status, status, COALESCE(notes, ''), agree_terms,
	COALESCE(idempotency_key, ''), COALESCE(payment_intent_id, ''), COALESCE(calendar_event_id, ''),
	COALESCE(cancel_reason, ''), created_at, updated_at`

type BookingRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewBookingRepository(pool *db.Pool, outboxRepo *outbox.Repository) *BookingRepository {
	return &BookingRepository{pool: pool, outbox: outboxRepo}
}

// InTx runs fn in a transaction that commits when fn returns nil.
func (r *BookingRepository) InTx(ctx context.Context, fn func(Tx) error) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx, outbox: r.outbox})
	})
}

func (r *BookingRepository) ListAvailableRules(ctx context.Context, creatorID string) ([]model.AvailabilityRule, error) {
	return listAvailableRules(ctx, r.pool, creatorID)
}

func (r *BookingRepository) ListBlockedDates(ctx context.Context, creatorID string) ([]model.BlockedDateRange, error) {
	return listBlockedDates(ctx, r.pool, creatorID)
}

func (r *BookingRepository) ListActiveBookings(ctx context.Context, creatorID string) ([]model.Booking, error) {
	return listActiveBookings(ctx, r.pool, creatorID)
}

func (r *BookingRepository) Get(ctx context.Context, bookingID string) (model.Booking, error) {
	id, err := bookingUUID(bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	b, err := scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1::uuid
	`, id))
	return b, notFound(err)
}

func (r *BookingRepository) ListByCreator(ctx context.Context, creatorID string, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE creator_id = $1
		ORDER BY booking_date DESC
		LIMIT $2
	`, creatorID, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *BookingRepository) SetPaymentIntent(ctx context.Context, bookingID, intentID string) error {
	id, err := bookingUUID(bookingID)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET payment_intent_id = $2, updated_at = now()
		WHERE id = $1::uuid
	`, id, intentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *BookingRepository) SetCalendarEventID(ctx context.Context, creatorID, bookingID, eventID string) error {
	id, err := bookingUUID(bookingID)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET calendar_event_id = $3, updated_at = now()
		WHERE id = $2::uuid AND creator_id = $1
	`, creatorID, id, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type txStore struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (s *txStore) ListAvailableRules(ctx context.Context, creatorID string) ([]model.AvailabilityRule, error) {
	return listAvailableRules(ctx, s.tx, creatorID)
}

func (s *txStore) ListBlockedDates(ctx context.Context, creatorID string) ([]model.BlockedDateRange, error) {
	return listBlockedDates(ctx, s.tx, creatorID)
}

func (s *txStore) ListActiveBookings(ctx context.Context, creatorID string) ([]model.Booking, error) {
	return listActiveBookings(ctx, s.tx, creatorID)
}

func (s *txStore) LockCreator(ctx context.Context, creatorID string) error {
	_, err := s.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "booking:"+creatorID)
	return err
}

func (s *txStore) LockIdempotencyKey(ctx context.Context, creatorID, key string) (IdempotencyRecord, bool, error) {
	rec, err := s.selectIdempotencyForUpdate(ctx, creatorID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = s.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (creator_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (creator_id, idempotency_key) DO NOTHING
	`, creatorID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = s.selectIdempotencyForUpdate(ctx, creatorID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (s *txStore) FinalizeIdempotency(ctx context.Context, creatorID, key, bookingID string, statusCode int, response []byte) error {
	var booking any
	if bookingID != "" {
		booking = bookingID
	}
	_, err := s.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = $3::uuid,
			status_code = $4,
			response_payload = $5::jsonb,
			updated_at = now()
		WHERE creator_id = $1 AND idempotency_key = $2
	`, creatorID, key, booking, statusCode, string(response))
	return err
}

func (s *txStore) selectIdempotencyForUpdate(ctx context.Context, creatorID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := s.tx.QueryRow(ctx, `
		SELECT creator_id,
			idempotency_key,
			COALESCE(booking_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE creator_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, creatorID, key).Scan(
		&rec.CreatorID,
		&rec.IdempotencyKey,
		&rec.BookingID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}

func (s *txStore) InsertBooking(ctx context.Context, b *model.Booking) (string, error) {
	var id string
	err := s.tx.QueryRow(ctx, `
		INSERT INTO bookings
			(creator_id, client_name, client_email, client_phone, service_type, booking_date,
			 duration_minutes, price, payment_status, status, notes, agree_terms, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, NULLIF($13, ''))
		RETURNING id::text
	`, b.CreatorID, b.ClientName, b.ClientEmail, b.ClientPhone, b.ServiceType, b.BookingDate.UTC(),
		b.DurationMinutes, b.Price.StringFixed(2), b.PaymentStatus, b.Status, b.Notes, b.AgreeTerms, b.IdempotencyKey).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *txStore) GetBookingForUpdate(ctx context.Context, creatorID, bookingID string) (model.Booking, error) {
	id, err := bookingUUID(bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	b, err := scanBooking(s.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1::uuid AND creator_id = $2
		FOR UPDATE
	`, id, creatorID))
	return b, notFound(err)
}

func (s *txStore) UpdateBookingStatus(ctx context.Context, creatorID, bookingID, status, reason string) (time.Time, error) {
	id, err := bookingUUID(bookingID)
	if err != nil {
		return time.Time{}, err
	}
	var updatedAt time.Time
	err = s.tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = $3,
			cancel_reason = NULLIF($4, ''),
			updated_at = now()
		WHERE id = $1::uuid AND creator_id = $2
		RETURNING updated_at
	`, id, creatorID, status, reason).Scan(&updatedAt)
	return updatedAt, notFound(err)
}

func (s *txStore) InsertProviderEvent(ctx context.Context, evt ProviderEvent) error {
	tag, err := s.tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, string(evt.Payload))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

// SetPaymentStatus never moves a refunded booking back to paid, so late
// success events cannot undo a refund. At most one booking is updated.
func (s *txStore) SetPaymentStatus(ctx context.Context, ref PaymentRef, status string) (model.Booking, error) {
	targets := paymentTargets(ref)
	if len(targets) == 0 {
		return model.Booking{}, ErrNotFound
	}
	for _, t := range targets {
		b, err := scanBooking(s.tx.QueryRow(ctx, `
			UPDATE bookings
			SET payment_status = $1,
				payment_intent_id = COALESCE(NULLIF(payment_intent_id, ''), NULLIF($2, '')),
				updated_at = now()
			WHERE `+t.where+`
				AND NOT (payment_status = 'refunded' AND $1 = 'paid')
			RETURNING `+bookingColumns, status, ref.PaymentIntentID, t.arg))
		if err = notFound(err); !errors.Is(err, ErrNotFound) {
			return b, err
		}
	}
	return model.Booking{}, ErrNotFound
}

type paymentTarget struct {
	where string
	arg   string
}

// paymentTargets lists the lookups tried in order for ref, each matching a
// single row. The payment intent id wins; the booking id is only used for a
// booking with no intent recorded, or the same one.
func paymentTargets(ref PaymentRef) []paymentTarget {
	var out []paymentTarget
	if ref.PaymentIntentID != "" {
		out = append(out, paymentTarget{where: "payment_intent_id = $3", arg: ref.PaymentIntentID})
	}
	if id, err := bookingUUID(ref.BookingID); err == nil {
		out = append(out, paymentTarget{
			where: "id = $3::uuid AND COALESCE(payment_intent_id, '') IN ('', $2)",
			arg:   id,
		})
	}
	return out
}

func (s *txStore) InsertEvent(ctx context.Context, evt outbox.Event) error {
	return s.outbox.Insert(ctx, s.tx, evt)
}

func listAvailableRules(ctx context.Context, q queryer, creatorID string) ([]model.AvailabilityRule, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, creator_id, day_of_week, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), is_available
		FROM creator_availability
		WHERE creator_id = $1 AND is_available
		ORDER BY day_of_week, start_time
	`, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []model.AvailabilityRule{}
	for rows.Next() {
		var r model.AvailabilityRule
		if err := rows.Scan(&r.ID, &r.CreatorID, &r.DayOfWeek, &r.StartTime, &r.EndTime, &r.IsAvailable); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func listBlockedDates(ctx context.Context, q queryer, creatorID string) ([]model.BlockedDateRange, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, creator_id, start_date, end_date, COALESCE(reason, '')
		FROM creator_blocked_dates
		WHERE creator_id = $1
		ORDER BY start_date
	`, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranges := []model.BlockedDateRange{}
	for rows.Next() {
		var r model.BlockedDateRange
		if err := rows.Scan(&r.ID, &r.CreatorID, &r.StartDate, &r.EndDate, &r.Reason); err != nil {
			return nil, err
		}
		r.StartDate = model.TruncateDay(r.StartDate)
		r.EndDate = model.TruncateDay(r.EndDate)
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

func listActiveBookings(ctx context.Context, q queryer, creatorID string) ([]model.Booking, error) {
	rows, err := q.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE creator_id = $1 AND status IN ('pending', 'confirmed')
		ORDER BY booking_date ASC
	`, creatorID)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()
	bookings := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var price string
	err := row.Scan(
		&b.ID,
		&b.CreatorID,
		&b.ClientName,
		&b.ClientEmail,
		&b.ClientPhone,
		&b.ServiceType,
		&b.BookingDate,
		&b.DurationMinutes,
		&price,
		&b.PaymentStatus,
		&b.Status,
		&b.Notes,
		&b.AgreeTerms,
		&b.IdempotencyKey,
		&b.PaymentIntentID,
		&b.CalendarEventID,
		&b.CancelReason,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	if b.Price, err = decimal.NewFromString(price); err != nil {
		return model.Booking{}, fmt.Errorf("booking %s price: %w", b.ID, err)
	}
	b.BookingDate = b.BookingDate.UTC()
	return b, nil
}

// bookingUUID normalizes a booking id so lookups hit the primary key index.
// Ids that are not UUIDs cannot exist and report ErrNotFound.
func bookingUUID(bookingID string) (string, error) {
	id, err := uuid.Parse(bookingID)
	if err != nil {
		return "", ErrNotFound
	}
	return id.String(), nil
}

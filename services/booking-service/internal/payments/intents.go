// Package payments collects booking payments through Stripe.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

type BookingStore interface {
	Get(ctx context.Context, bookingID string) (model.Booking, error)
	SetPaymentIntent(ctx context.Context, bookingID, intentID string) error
}

// IntentClient is satisfied by paymentintent.Client.
type IntentClient interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type Config struct {
	Currency string
	Timeout  time.Duration
}

type Intents struct {
	bookings BookingStore
	client   IntentClient
	currency string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewIntentClient binds a secret key to a Stripe backend.
func NewIntentClient(backend stripe.Backend, secretKey string) *paymentintent.Client {
	return &paymentintent.Client{B: backend, Key: secretKey}
}

func NewIntents(bookings BookingStore, client IntentClient, cfg Config, logger *slog.Logger) *Intents {
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Intents{bookings: bookings, client: client, currency: currency, timeout: cfg.Timeout, logger: logger}
}

type Intent struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// Create opens a PaymentIntent for the booking price. Repeated calls for the
// same booking reuse one Stripe idempotency key and get the same intent back.
func (s *Intents) Create(ctx context.Context, bookingID string) (Intent, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return Intent{}, apperr.Validation("validation failed", map[string]string{"booking_id": "is required"})
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	b, err := s.bookings.Get(ctx, bookingID)
	if errors.Is(err, storage.ErrNotFound) {
		return Intent{}, apperr.NotFound("booking not found")
	}
	if err != nil {
		return Intent{}, apperr.Upstream("load booking", err)
	}
	if b.Status == model.StatusCancelled {
		return Intent{}, apperr.Conflict("booking is cancelled")
	}
	if b.PaymentStatus != model.PaymentPending {
		return Intent{}, apperr.Conflict("booking is already " + b.PaymentStatus)
	}
	amount := b.Price.Shift(2).Round(0).IntPart()
	if amount <= 0 {
		return Intent{}, apperr.Conflict("booking has no payable amount")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		ReceiptEmail: stripe.String(b.ClientEmail),
		Description:  stripe.String(fmt.Sprintf("%s booking on %s", b.ServiceType, model.FormatInstant(b.BookingDate))),
	}
	params.Context = ctx
	params.SetIdempotencyKey("booking-" + b.ID)
	params.AddMetadata("booking_id", b.ID)
	params.AddMetadata("creator_id", b.CreatorID)

	pi, err := s.client.New(params)
	if err != nil {
		return Intent{}, apperr.Upstream("create payment intent", err)
	}
	if pi.ID != b.PaymentIntentID {
		if err := s.bookings.SetPaymentIntent(ctx, b.ID, pi.ID); err != nil {
			return Intent{}, apperr.Upstream("record payment intent", err)
		}
	}
	s.logger.Info("payment intent created", "booking_id", b.ID, "creator_id", b.CreatorID, "payment_intent_id", pi.ID, "amount", amount, "currency", s.currency)
	return Intent{ClientSecret: pi.ClientSecret, PaymentIntentID: pi.ID}, nil
}

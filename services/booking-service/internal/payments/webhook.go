package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
)

type TxRunner interface {
	InTx(ctx context.Context, fn func(storage.Tx) error) error
}

// Webhook applies signed Stripe events to booking payment state. Signature
// verification is the only authentication.
type Webhook struct {
	store     TxRunner
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

func NewWebhook(store TxRunner, secret string, tolerance time.Duration, logger *slog.Logger) *Webhook {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Webhook{store: store, secret: strings.TrimSpace(secret), tolerance: tolerance, logger: logger}
}

func (w *Webhook) Configured() bool { return w != nil && w.secret != "" }

// Handle verifies and records one event. Replayed event ids return
// ResultDuplicate without touching bookings.
func (w *Webhook) Handle(ctx context.Context, payload []byte, sigHeader string) (string, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return "", apperr.Validation("missing Stripe-Signature header", nil)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, w.secret, webhook.ConstructEventOptions{
		Tolerance:                w.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		w.logger.Warn("stripe webhook rejected", "err", err)
		return "", apperr.Validation("invalid signature", nil)
	}

	evtType := string(evt.Type)
	w.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	result := ResultOK
	err = w.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertProviderEvent(ctx, storage.ProviderEvent{
			Provider:        "stripe",
			ProviderEventID: evt.ID,
			EventType:       evtType,
			Payload:         payload,
		}); err != nil {
			if errors.Is(err, storage.ErrDuplicateProviderEvent) {
				result = ResultDuplicate
				return nil
			}
			return err
		}
		return w.apply(ctx, tx, evt)
	})
	if err != nil {
		return "", apperr.Upstream("apply stripe event", err)
	}
	if result == ResultDuplicate {
		w.logger.Info("payment provider event duplicate ignored", "provider", "stripe", "provider_event_id", evt.ID, "event_type", evtType)
	}
	return result, nil
}

func (w *Webhook) apply(ctx context.Context, tx storage.Tx, evt stripe.Event) error {
	var (
		ref    storage.PaymentRef
		status string
	)
	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			w.logger.Error("stripe: invalid payment intent payload", "err", err)
			return nil
		}
		ref = storage.PaymentRef{BookingID: strings.TrimSpace(pi.Metadata["booking_id"]), PaymentIntentID: pi.ID}
		status = model.PaymentPaid

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			w.logger.Error("stripe: invalid charge payload", "err", err)
			return nil
		}
		ref = storage.PaymentRef{BookingID: strings.TrimSpace(ch.Metadata["booking_id"])}
		if ch.PaymentIntent != nil {
			ref.PaymentIntentID = ch.PaymentIntent.ID
		}
		status = model.PaymentRefunded

	case stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err == nil {
			w.logger.Warn("payment failed", "payment_intent_id", pi.ID, "booking_id", pi.Metadata["booking_id"])
		}
		return nil

	default:
		return nil
	}

	if ref.BookingID == "" && ref.PaymentIntentID == "" {
		w.logger.Warn("stripe: event carries no booking reference", "provider_event_id", evt.ID)
		return nil
	}
	b, err := tx.SetPaymentStatus(ctx, ref, status)
	if errors.Is(err, storage.ErrNotFound) {
		// Unknown booking, or a success arriving after a refund.
		w.logger.Warn("stripe: no booking updated", "provider_event_id", evt.ID, "booking_id", ref.BookingID, "payment_intent_id", ref.PaymentIntentID)
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info("booking payment updated", "booking_id", b.ID, "creator_id", b.CreatorID, "payment_status", b.PaymentStatus)
	return nil
}

// Command stripe-webhook-sim posts a signed Stripe event for a booking to a
// running booking-service.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/libs/config"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL   = flag.String("base-url", config.String("BASE_URL", "http://localhost:8083"), "booking-service base url")
		evtType   = flag.String("type", config.String("STRIPE_EVENT_TYPE", string(stripe.EventTypePaymentIntentSucceeded)), "stripe event type")
		bookingID = flag.String("booking-id", config.String("BOOKING_ID", ""), "booking_id metadata")
		intentID  = flag.String("payment-intent", config.String("PAYMENT_INTENT_ID", "pi_test_123"), "payment intent id")
		eventID   = flag.String("event-id", "", "event id (default: generated); reuse to test replay")
		secret    = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*bookingID) == "" {
		fatal("BOOKING_ID is required")
	}

	now := time.Now().UTC()
	if *eventID == "" {
		*eventID = fmt.Sprintf("evt_test_%d", now.UnixNano())
	}

	payload, err := buildEventJSON(*eventID, stripe.EventType(*evtType), now, *bookingID, *intentID)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	fmt.Printf("event_id=%s status=%d body=%s\n", *eventID, resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID string, eventType stripe.EventType, t time.Time, bookingID, intentID string) ([]byte, error) {
	var object map[string]any
	switch eventType {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		object = map[string]any{
			"id":       intentID,
			"object":   "payment_intent",
			"status":   "succeeded",
			"metadata": map[string]string{"booking_id": bookingID},
		}
		if eventType == stripe.EventTypePaymentIntentPaymentFailed {
			object["status"] = "requires_payment_method"
		}
	case stripe.EventTypeChargeRefunded:
		object = map[string]any{
			"id":             "ch_test_123",
			"object":         "charge",
			"refunded":       true,
			"payment_intent": intentID,
			"metadata":       map[string]string{"booking_id": bookingID},
		}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}

package payments

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memBookings struct {
	rows    map[string]model.Booking
	intents map[string]string
}

func (m *memBookings) Get(_ context.Context, id string) (model.Booking, error) {
	b, ok := m.rows[id]
	if !ok {
		return model.Booking{}, storage.ErrNotFound
	}
	return b, nil
}

func (m *memBookings) SetPaymentIntent(_ context.Context, id, intentID string) error {
	m.intents[id] = intentID
	return nil
}

func stripeServer(t *testing.T, seen *[]*http.Request, forms *[]map[string][]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		*seen = append(*seen, r)
		*forms = append(*forms, r.PostForm)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"pi_123","object":"payment_intent","client_secret":"pi_123_secret_abc","amount":15000,"currency":"usd","status":"requires_payment_method"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateIntent(t *testing.T) {
	var seen []*http.Request
	var forms []map[string][]string
	srv := stripeServer(t, &seen, &forms)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})

	bookings := &memBookings{
		rows: map[string]model.Booking{
			"b1": {
				ID: "b1", CreatorID: "creator-1", ClientEmail: "ada@example.com", ServiceType: "consultation",
				BookingDate: time.Date(2030, 3, 11, 10, 0, 0, 0, time.UTC), DurationMinutes: 60,
				Price: decimal.RequireFromString("150.00"), PaymentStatus: model.PaymentPending, Status: model.StatusPending,
			},
		},
		intents: map[string]string{},
	}
	svc := NewIntents(bookings, NewIntentClient(backend, "sk_test_123"), Config{Currency: "USD"}, discard())

	got, err := svc.Create(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got.PaymentIntentID != "pi_123" || got.ClientSecret != "pi_123_secret_abc" {
		t.Fatalf("unexpected intent %+v", got)
	}
	if bookings.intents["b1"] != "pi_123" {
		t.Fatalf("intent id not recorded: %v", bookings.intents)
	}

	if len(seen) != 1 {
		t.Fatalf("expected one stripe call, got %d", len(seen))
	}
	if key := seen[0].Header.Get("Idempotency-Key"); key != "booking-b1" {
		t.Fatalf("unexpected idempotency key %q", key)
	}
	form := forms[0]
	if form["amount"][0] != "15000" || form["currency"][0] != "usd" {
		t.Fatalf("unexpected amount/currency %v %v", form["amount"], form["currency"])
	}
	if form["metadata[booking_id]"][0] != "b1" || form["metadata[creator_id]"][0] != "creator-1" {
		t.Fatalf("unexpected metadata %v", form)
	}
}

func TestCreateIntentRejectsUnpayableBookings(t *testing.T) {
	bookings := &memBookings{
		rows: map[string]model.Booking{
			"paid":      {ID: "paid", Price: decimal.NewFromInt(10), PaymentStatus: model.PaymentPaid, Status: model.StatusConfirmed},
			"cancelled": {ID: "cancelled", Price: decimal.NewFromInt(10), PaymentStatus: model.PaymentPending, Status: model.StatusCancelled},
			"free":      {ID: "free", Price: decimal.Zero, PaymentStatus: model.PaymentPending, Status: model.StatusPending},
		},
		intents: map[string]string{},
	}
	// A nil client proves no Stripe call is attempted.
	svc := NewIntents(bookings, nil, Config{}, discard())

	cases := map[string]apperr.Kind{
		"":          apperr.KindValidation,
		"missing":   apperr.KindNotFound,
		"paid":      apperr.KindConflict,
		"cancelled": apperr.KindConflict,
		"free":      apperr.KindConflict,
	}
	for id, want := range cases {
		if _, err := svc.Create(context.Background(), id); apperr.KindOf(err) != want {
			t.Fatalf("Create(%q) kind = %v (%v), want %v", id, apperr.KindOf(err), err, want)
		}
	}
}

// fakeTx implements the storage.Tx methods the webhook uses.
type fakeTx struct {
	storage.Tx
	store *fakeStore
}

func (f fakeTx) InsertProviderEvent(_ context.Context, evt storage.ProviderEvent) error {
	if f.store.events[evt.ProviderEventID] {
		return storage.ErrDuplicateProviderEvent
	}
	f.store.events[evt.ProviderEventID] = true
	return nil
}

func (f fakeTx) SetPaymentStatus(_ context.Context, ref storage.PaymentRef, status string) (model.Booking, error) {
	for id, b := range f.store.bookings {
		if id == ref.BookingID || (ref.PaymentIntentID != "" && b.PaymentIntentID == ref.PaymentIntentID) {
			if b.PaymentStatus == model.PaymentRefunded && status == model.PaymentPaid {
				return model.Booking{}, storage.ErrNotFound
			}
			b.PaymentStatus = status
			f.store.bookings[id] = b
			return b, nil
		}
	}
	return model.Booking{}, storage.ErrNotFound
}

type fakeStore struct {
	mu       sync.Mutex
	events   map[string]bool
	bookings map[string]model.Booking
}

func (s *fakeStore) InTx(_ context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(fakeTx{store: s})
}

const whsec = "whsec_test"

func signed(t *testing.T, id string, typ stripe.EventType, object any) ([]byte, string) {
	t.Helper()
	obj, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     time.Now().Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		t.Fatal(err)
	}
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: whsec, Timestamp: time.Now()})
	return sp.Payload, sp.Header
}

func TestWebhookMarksPaidAndDedupes(t *testing.T) {
	store := &fakeStore{
		events:   map[string]bool{},
		bookings: map[string]model.Booking{"b1": {ID: "b1", PaymentStatus: model.PaymentPending}},
	}
	wh := NewWebhook(store, whsec, 0, discard())

	payload, header := signed(t, "evt_1", stripe.EventTypePaymentIntentSucceeded, map[string]any{
		"id": "pi_123", "object": "payment_intent", "metadata": map[string]string{"booking_id": "b1"},
	})
	res, err := wh.Handle(context.Background(), payload, header)
	if err != nil || res != ResultOK {
		t.Fatalf("Handle = %q, %v", res, err)
	}
	if store.bookings["b1"].PaymentStatus != model.PaymentPaid {
		t.Fatalf("booking not marked paid: %+v", store.bookings["b1"])
	}

	store.bookings["b1"] = model.Booking{ID: "b1", PaymentStatus: model.PaymentPending}
	res, err = wh.Handle(context.Background(), payload, header)
	if err != nil || res != ResultDuplicate {
		t.Fatalf("replay = %q, %v", res, err)
	}
	if store.bookings["b1"].PaymentStatus != model.PaymentPending {
		t.Fatal("duplicate event must not be applied")
	}
}

func TestWebhookRefundByPaymentIntent(t *testing.T) {
	store := &fakeStore{
		events:   map[string]bool{},
		bookings: map[string]model.Booking{"b1": {ID: "b1", PaymentIntentID: "pi_9", PaymentStatus: model.PaymentPaid}},
	}
	wh := NewWebhook(store, whsec, 0, discard())

	payload, header := signed(t, "evt_2", stripe.EventTypeChargeRefunded, map[string]any{
		"id": "ch_1", "object": "charge", "payment_intent": "pi_9", "refunded": true,
	})
	if _, err := wh.Handle(context.Background(), payload, header); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.bookings["b1"].PaymentStatus != model.PaymentRefunded {
		t.Fatalf("booking not refunded: %+v", store.bookings["b1"])
	}

	// A late success must not undo the refund.
	payload, header = signed(t, "evt_3", stripe.EventTypePaymentIntentSucceeded, map[string]any{
		"id": "pi_9", "object": "payment_intent",
	})
	if _, err := wh.Handle(context.Background(), payload, header); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.bookings["b1"].PaymentStatus != model.PaymentRefunded {
		t.Fatalf("refund was undone: %+v", store.bookings["b1"])
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := &fakeStore{events: map[string]bool{}, bookings: map[string]model.Booking{}}
	wh := NewWebhook(store, whsec, 0, discard())

	payload, _ := signed(t, "evt_4", stripe.EventTypePaymentIntentSucceeded, map[string]any{"id": "pi_1"})
	other := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other", Timestamp: time.Now()})

	if _, err := wh.Handle(context.Background(), payload, other.Header); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := wh.Handle(context.Background(), payload, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for missing header, got %v", err)
	}
	if len(store.events) != 0 {
		t.Fatal("rejected events must not be recorded")
	}
}

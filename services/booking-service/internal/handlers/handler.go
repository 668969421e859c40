package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/libs/auth"
	"github.com/md-rashed-zaman/creatorhq/libs/httpx"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/payments"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
)

type BookingValidator interface {
	Booking(raw []byte) (model.Booking, error)
}

type BookingWriter interface {
	Create(ctx context.Context, draft model.Booking, idemKey string) (booking.Result, error)
	Confirm(ctx context.Context, creatorID, bookingID string) (model.Booking, error)
	Cancel(ctx context.Context, creatorID, bookingID, reason string) (model.Booking, error)
}

type SnapshotResolver interface {
	Resolve(ctx context.Context, creatorID string) (availability.Snapshot, error)
}

type BookingLister interface {
	ListByCreator(ctx context.Context, creatorID string, limit int) ([]model.Booking, error)
}

type CalendarBridge interface {
	Configured() bool
	AuthURL(creatorID string) (string, error)
	HandleCallback(ctx context.Context, code, state string) (string, error)
	Status(ctx context.Context, creatorID string) (calendar.Status, error)
}

type Analytics interface {
	BookingMetrics(ctx context.Context, creatorID string, start, end time.Time) ([]json.RawMessage, error)
	EngagementMetrics(ctx context.Context, creatorID string, start, end time.Time) ([]json.RawMessage, error)
	Revenue(ctx context.Context, creatorID string, start, end time.Time) (storage.RevenueMetrics, error)
}

type PaymentIntents interface {
	Create(ctx context.Context, bookingID string) (payments.Intent, error)
}

type PaymentWebhook interface {
	Configured() bool
	Handle(ctx context.Context, payload []byte, sigHeader string) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Payments and Calendar
// may be nil when the integration is not configured.
type Deps struct {
	Validator BookingValidator
	Writer    BookingWriter
	Resolver  SnapshotResolver
	Bookings  BookingLister
	Analytics Analytics
	Calendar  CalendarBridge
	Intents   PaymentIntents
	Webhook   PaymentWebhook

	DefaultCreatorID string
	// CalendarUIRedirect receives the browser after the OAuth callback.
	CalendarUIRedirect string
}

type Handler struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, logger *slog.Logger) *Handler {
	return &Handler{deps: deps, logger: logger, now: time.Now}
}

// Routes registers every endpoint on mux. Creator-scoped routes are wrapped
// with requireCreator.
func (h *Handler) Routes(mux *http.ServeMux, requireCreator httpx.Middleware) {
	mux.HandleFunc("POST /api/v1/public/bookings", h.CreateBooking)
	mux.HandleFunc("GET /api/v1/public/creators/{creatorID}/booking-info", h.BookingInfo)
	mux.HandleFunc("GET /api/v1/public/slots", h.Slots)
	mux.HandleFunc("POST /api/v1/public/bookings/payment-intent", h.CreatePaymentIntent)
	mux.HandleFunc("POST /api/v1/payments/webhooks/stripe", h.StripeWebhook)
	mux.HandleFunc("GET /api/v1/calendar/callback", h.CalendarCallback)

	mux.Handle("GET /api/v1/calendar/connect", requireCreator(http.HandlerFunc(h.CalendarConnect)))
	mux.Handle("GET /api/v1/calendar/status", requireCreator(http.HandlerFunc(h.CalendarStatus)))
	mux.Handle("GET /api/v1/bookings", requireCreator(http.HandlerFunc(h.ListBookings)))
	mux.Handle("POST /api/v1/bookings/confirm", requireCreator(http.HandlerFunc(h.ConfirmBooking)))
	mux.Handle("POST /api/v1/bookings/cancel", requireCreator(http.HandlerFunc(h.CancelBooking)))
	mux.Handle("GET /api/v1/bookings/analytics", requireCreator(http.HandlerFunc(h.BookingAnalytics)))
}

// fail maps err onto the public error shape. Upstream details are logged and
// replaced with a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUpstream {
		h.logger.Error("request failed",
			"err", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
		)
	}
	msg, fields := apperr.Public(err)
	httpx.WriteJSON(w, apperr.Status(kind), httpx.ErrorBody{Error: msg, Fields: fields})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required", nil)
		}
		return apperr.Validation("invalid json body", nil)
	}
	return nil
}

func creatorFrom(r *http.Request) (string, error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || strings.TrimSpace(claims.CreatorID) == "" {
		return "", apperr.Auth("missing creator session")
	}
	return claims.CreatorID, nil
}

func unavailable(w http.ResponseWriter, what string) {
	httpx.WriteError(w, http.StatusServiceUnavailable, what+" not configured")
}

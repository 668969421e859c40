package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/libs/httpx"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/validation"
	"golang.org/x/sync/errgroup"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	analyticsWindow  = 30 * 24 * time.Hour
)

type bookingItem struct {
	ID              string `json:"id"`
	ClientName      string `json:"client_name"`
	ClientEmail     string `json:"client_email"`
	ClientPhone     string `json:"client_phone"`
	ServiceType     string `json:"service_type"`
	BookingDate     string `json:"booking_date"`
	DurationMinutes int    `json:"duration_minutes"`
	Price           string `json:"price"`
	PaymentStatus   string `json:"payment_status"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	CalendarEventID string `json:"calendar_event_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toBookingItem(b model.Booking) bookingItem {
	return bookingItem{
		ID:              b.ID,
		ClientName:      b.ClientName,
		ClientEmail:     b.ClientEmail,
		ClientPhone:     b.ClientPhone,
		ServiceType:     b.ServiceType,
		BookingDate:     model.FormatInstant(b.BookingDate),
		DurationMinutes: b.DurationMinutes,
		Price:           b.Price.StringFixed(2),
		PaymentStatus:   b.PaymentStatus,
		Status:          b.Status,
		Notes:           b.Notes,
		CancelReason:    b.CancelReason,
		CalendarEventID: b.CalendarEventID,
		CreatedAt:       b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	creatorID, err := creatorFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			h.fail(w, r, apperr.Validation("validation failed", map[string]string{"limit": "must be between 1 and 200"}))
			return
		}
		limit = n
	}

	rows, err := h.deps.Bookings.ListByCreator(r.Context(), creatorID, limit)
	if err != nil {
		h.fail(w, r, apperr.Upstream("list bookings", err))
		return
	}
	items := make([]bookingItem, 0, len(rows))
	for _, b := range rows {
		items = append(items, toBookingItem(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bookings": items})
}

type transitionRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	creatorID, req, ok := h.transitionInput(w, r)
	if !ok {
		return
	}
	b, err := h.deps.Writer.Confirm(r.Context(), creatorID, req.BookingID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingItem(b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	creatorID, req, ok := h.transitionInput(w, r)
	if !ok {
		return
	}
	b, err := h.deps.Writer.Cancel(r.Context(), creatorID, req.BookingID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingItem(b))
}

func (h *Handler) transitionInput(w http.ResponseWriter, r *http.Request) (string, transitionRequest, bool) {
	creatorID, err := creatorFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return "", transitionRequest{}, false
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return "", transitionRequest{}, false
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		h.fail(w, r, apperr.Validation("validation failed", map[string]string{"booking_id": "is required"}))
		return "", transitionRequest{}, false
	}
	return creatorID, req, true
}

type analyticsResponse struct {
	CreatorID         string                 `json:"creator_id"`
	StartDate         string                 `json:"start_date"`
	EndDate           string                 `json:"end_date"`
	BookingStats      []json.RawMessage      `json:"bookingStats"`
	RevenueMetrics    storage.RevenueMetrics `json:"revenueMetrics"`
	EngagementMetrics []json.RawMessage      `json:"engagementMetrics"`
}

// BookingAnalytics reports metrics for the session's creator. The window
// defaults to the trailing 30 days.
func (h *Handler) BookingAnalytics(w http.ResponseWriter, r *http.Request) {
	creatorID, err := creatorFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	if asked := strings.TrimSpace(q.Get("creator_id")); asked != "" && asked != creatorID {
		h.fail(w, r, apperr.Forbidden("analytics are only available for your own creator account"))
		return
	}

	end := h.now().UTC()
	start := end.Add(-analyticsWindow)
	fields := map[string]string{}
	if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
		t, err := validation.ParseDate(raw)
		if err != nil {
			fields["end_date"] = "must be a date (YYYY-MM-DD)"
		} else {
			end = t
			if len(raw) == len(time.DateOnly) {
				end = end.Add(24 * time.Hour)
			}
			start = end.Add(-analyticsWindow)
		}
	}
	if raw := strings.TrimSpace(q.Get("start_date")); raw != "" {
		t, err := validation.ParseDate(raw)
		if err != nil {
			fields["start_date"] = "must be a date (YYYY-MM-DD)"
		} else {
			start = t
		}
	}
	if len(fields) == 0 && !start.Before(end) {
		fields["start_date"] = "must be before end_date"
	}
	if len(fields) > 0 {
		h.fail(w, r, apperr.Validation("validation failed", fields))
		return
	}

	resp := analyticsResponse{
		CreatorID: creatorID,
		StartDate: start.Format(time.RFC3339),
		EndDate:   end.Format(time.RFC3339),
	}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		rows, err := h.deps.Analytics.BookingMetrics(ctx, creatorID, start, end)
		resp.BookingStats = rows
		return err
	})
	g.Go(func() error {
		m, err := h.deps.Analytics.Revenue(ctx, creatorID, start, end)
		resp.RevenueMetrics = m
		return err
	})
	g.Go(func() error {
		rows, err := h.deps.Analytics.EngagementMetrics(ctx, creatorID, start, end)
		resp.EngagementMetrics = rows
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, apperr.Upstream("load analytics", err))
		return
	}
	if resp.BookingStats == nil {
		resp.BookingStats = []json.RawMessage{}
	}
	if resp.EngagementMetrics == nil {
		resp.EngagementMetrics = []json.RawMessage{}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

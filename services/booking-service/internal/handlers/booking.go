package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/libs/httpx"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/validation"
)

const (
	defaultSlotMinutes = 30
	maxSlotMinutes     = 8 * 60
)

// CreateBooking accepts a public booking request. The optional
// Idempotency-Key header makes retries return the original response.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	draft, err := h.deps.Validator.Booking(raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.deps.Writer.Create(r.Context(), draft, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

type blockedDateItem struct {
	ID        string `json:"id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Reason    string `json:"reason,omitempty"`
}

// publicBookingItem exposes only what a visitor needs to see taken time.
type publicBookingItem struct {
	BookingDate     string `json:"booking_date"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
}

type bookingInfoResponse struct {
	Availability []model.AvailabilityRule `json:"availability"`
	BlockedDates []blockedDateItem        `json:"blockedDates"`
	Bookings     []publicBookingItem      `json:"bookings"`
}

func (h *Handler) BookingInfo(w http.ResponseWriter, r *http.Request) {
	creatorID := strings.TrimSpace(r.PathValue("creatorID"))
	if creatorID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "creator id required")
		return
	}

	snap, err := h.deps.Resolver.Resolve(r.Context(), creatorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := bookingInfoResponse{
		Availability: snap.Availability,
		BlockedDates: make([]blockedDateItem, 0, len(snap.BlockedDates)),
		Bookings:     make([]publicBookingItem, 0, len(snap.Bookings)),
	}
	if resp.Availability == nil {
		resp.Availability = []model.AvailabilityRule{}
	}
	for _, bd := range snap.BlockedDates {
		resp.BlockedDates = append(resp.BlockedDates, blockedDateItem{
			ID:        bd.ID,
			StartDate: bd.StartDate.Format(time.DateOnly),
			EndDate:   bd.EndDate.Format(time.DateOnly),
			Reason:    bd.Reason,
		})
	}
	for _, b := range snap.Bookings {
		resp.Bookings = append(resp.Bookings, publicBookingItem{
			BookingDate:     model.FormatInstant(b.BookingDate),
			DurationMinutes: b.DurationMinutes,
			Status:          b.Status,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type slotsResponse struct {
	CreatorID       string     `json:"creator_id"`
	Date            string     `json:"date"`
	DurationMinutes int        `json:"duration_minutes"`
	Slots           []slotItem `json:"slots"`
}

// Slots lists bookable start times for one UTC day.
func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	creatorID := strings.TrimSpace(q.Get("creator_id"))
	if creatorID == "" {
		creatorID = h.deps.DefaultCreatorID
	}
	fields := map[string]string{}
	if creatorID == "" {
		fields["creator_id"] = "is required"
	}
	day, err := validation.ParseDate(strings.TrimSpace(q.Get("date")))
	if err != nil {
		fields["date"] = "must be a date (YYYY-MM-DD)"
	}
	durationMins, ok := minutesParam(q.Get("duration_minutes"), defaultSlotMinutes)
	if !ok || durationMins < 15 {
		fields["duration_minutes"] = "must be between 15 and 480"
	}
	stepMins, ok := minutesParam(q.Get("slot_step_minutes"), durationMins)
	if !ok || stepMins < 5 {
		fields["slot_step_minutes"] = "must be between 5 and 480"
	}
	if len(fields) > 0 {
		h.fail(w, r, apperr.Validation("validation failed", fields))
		return
	}

	snap, err := h.deps.Resolver.Resolve(r.Context(), creatorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	duration := time.Duration(durationMins) * time.Minute
	starts := availability.BookableSlots(snap, day, duration, time.Duration(stepMins)*time.Minute, h.now().UTC())
	resp := slotsResponse{
		CreatorID:       creatorID,
		Date:            day.Format(time.DateOnly),
		DurationMinutes: durationMins,
		Slots:           make([]slotItem, 0, len(starts)),
	}
	for _, s := range starts {
		resp.Slots = append(resp.Slots, slotItem{
			StartTime: s.UTC().Format(time.RFC3339),
			EndTime:   s.Add(duration).UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func minutesParam(raw string, def int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, def > 0 && def <= maxSlotMinutes
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxSlotMinutes {
		return 0, false
	}
	return n, true
}

// Package calendar connects a creator's Google Calendar and mirrors confirmed
// bookings into it.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
)

// Scope grants event write access.
const Scope = gcal.CalendarEventsScope

const refreshMargin = 5 * time.Minute

var (
	ErrNotConnected   = errors.New("calendar not connected")
	ErrNoRefreshToken = errors.New("calendar token set has no refresh token")
)

type TokenStore interface {
	Upsert(ctx context.Context, ts model.TokenSet) error
	Get(ctx context.Context, creatorID string) (model.TokenSet, error)
}

type BookingStore interface {
	Get(ctx context.Context, bookingID string) (model.Booking, error)
	SetCalendarEventID(ctx context.Context, creatorID, bookingID, eventID string) error
}

type Config struct {
	OAuth  *oauth2.Config
	States *StateSigner
	// HTTPClient carries token exchange and refresh requests.
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Bridge struct {
	oauth    *oauth2.Config
	states   *StateSigner
	tokens   TokenStore
	bookings BookingStore
	calendar Calendar
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewBridge(cfg Config, tokens TokenStore, bookings BookingStore, cal Calendar, logger *slog.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Bridge{
		oauth:    cfg.OAuth,
		states:   cfg.States,
		tokens:   tokens,
		bookings: bookings,
		calendar: cal,
		client:   cfg.HTTPClient,
		timeout:  cfg.Timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Configured reports whether OAuth client credentials are present.
func (b *Bridge) Configured() bool {
	return b.oauth != nil && b.oauth.ClientID != "" && b.oauth.ClientSecret != ""
}

// AuthURL starts the connect flow for creatorID. The returned URL asks for
// offline access so a refresh token is issued.
func (b *Bridge) AuthURL(creatorID string) (string, error) {
	state, err := b.states.Sign(creatorID)
	if err != nil {
		return "", err
	}
	return b.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// HandleCallback verifies state, exchanges code and stores the token set for
// the creator named in state. Replays overwrite the same row.
func (b *Bridge) HandleCallback(ctx context.Context, code, state string) (string, error) {
	creatorID, err := b.states.Verify(state)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(code) == "" {
		return creatorID, errors.New("missing authorization code")
	}

	ctx, cancel := b.outbound(ctx)
	defer cancel()

	tok, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		return creatorID, fmt.Errorf("exchange code: %w", err)
	}
	ts := model.TokenSet{
		CreatorID:    creatorID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if err := b.tokens.Upsert(ctx, ts); err != nil {
		return creatorID, fmt.Errorf("store tokens: %w", err)
	}
	b.logger.Info("calendar connected", "creator_id", creatorID)
	return creatorID, nil
}

// RefreshIfExpiring returns ts unchanged when its access token is valid for
// more than five minutes. Otherwise it refreshes, persists and returns the
// new set.
func (b *Bridge) RefreshIfExpiring(ctx context.Context, ts model.TokenSet) (model.TokenSet, error) {
	if ts.AccessToken != "" && !ts.Expiry.IsZero() && ts.Expiry.After(b.now().Add(refreshMargin)) {
		return ts, nil
	}
	if ts.RefreshToken == "" {
		return ts, ErrNoRefreshToken
	}

	ctx, cancel := b.outbound(ctx)
	defer cancel()

	tok, err := b.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: ts.RefreshToken}).Token()
	if err != nil {
		return ts, fmt.Errorf("refresh token: %w", err)
	}
	next := model.TokenSet{
		CreatorID:    ts.CreatorID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = ts.RefreshToken
	}
	if err := b.tokens.Upsert(ctx, next); err != nil {
		return ts, fmt.Errorf("store refreshed tokens: %w", err)
	}
	b.logger.Info("calendar token refreshed", "creator_id", ts.CreatorID)
	return next, nil
}

type Status struct {
	Connected bool       `json:"connected"`
	Expiry    *time.Time `json:"expiry,omitempty"`
}

func (b *Bridge) Status(ctx context.Context, creatorID string) (Status, error) {
	ts, err := b.tokens.Get(ctx, creatorID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st := Status{Connected: ts.RefreshToken != "" || ts.Expiry.After(b.now())}
	if !ts.Expiry.IsZero() {
		exp := ts.Expiry.UTC()
		st.Expiry = &exp
	}
	return st, nil
}

// PushBooking mirrors a confirmed booking into the creator's calendar and
// records the event id. Bookings already pushed return their event id.
// A booking that is no longer confirmed is skipped with an empty id.
func (b *Bridge) PushBooking(ctx context.Context, bookingID string) (string, error) {
	bk, err := b.bookings.Get(ctx, bookingID)
	if err != nil {
		return "", fmt.Errorf("load booking: %w", err)
	}
	if bk.CalendarEventID != "" {
		return bk.CalendarEventID, nil
	}
	if bk.Status != model.StatusConfirmed {
		b.logger.Info("calendar push skipped", "booking_id", bk.ID, "status", bk.Status)
		return "", nil
	}

	src, err := b.tokenSource(ctx, bk.CreatorID)
	if err != nil {
		return "", err
	}

	ctx, cancel := b.outbound(ctx)
	defer cancel()

	eventID, err := b.calendar.Insert(ctx, src, BuildEvent(bk))
	if err != nil {
		return "", fmt.Errorf("insert calendar event: %w", err)
	}
	if err := b.bookings.SetCalendarEventID(ctx, bk.CreatorID, bk.ID, eventID); err != nil {
		return eventID, fmt.Errorf("record calendar event: %w", err)
	}
	b.logger.Info("booking pushed to calendar", "booking_id", bk.ID, "creator_id", bk.CreatorID, "event_id", eventID)
	return eventID, nil
}

// RemoveBooking deletes the calendar event of a cancelled booking, if any.
func (b *Bridge) RemoveBooking(ctx context.Context, bookingID string) error {
	bk, err := b.bookings.Get(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load booking: %w", err)
	}
	if bk.CalendarEventID == "" {
		return nil
	}
	src, err := b.tokenSource(ctx, bk.CreatorID)
	if err != nil {
		return err
	}
	ctx, cancel := b.outbound(ctx)
	defer cancel()
	if err := b.calendar.Delete(ctx, src, bk.CalendarEventID); err != nil {
		return fmt.Errorf("delete calendar event: %w", err)
	}
	b.logger.Info("calendar event removed", "booking_id", bk.ID, "event_id", bk.CalendarEventID)
	return nil
}

// HandleBookingEvent reacts to booking lifecycle events. Creators without a
// connected calendar are skipped.
func (b *Bridge) HandleBookingEvent(ctx context.Context, eventType string, payload []byte) error {
	var p outbox.BookingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.BookingID == "" {
		b.logger.Error("invalid booking event payload", "err", err, "event_type", eventType)
		return nil
	}

	var err error
	switch eventType {
	case outbox.EventBookingConfirmed:
		_, err = b.PushBooking(ctx, p.BookingID)
	case outbox.EventBookingCancelled:
		err = b.RemoveBooking(ctx, p.BookingID)
	default:
		return nil
	}
	switch {
	case errors.Is(err, ErrNotConnected):
		b.logger.Info("calendar sync skipped (not connected)", "creator_id", p.CreatorID, "booking_id", p.BookingID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		b.logger.Warn("calendar sync skipped (booking not found)", "booking_id", p.BookingID)
		return nil
	case needsReconnect(err):
		b.logger.Warn("calendar sync skipped (reconnect required)", "err", err, "creator_id", p.CreatorID, "booking_id", p.BookingID)
		return nil
	}
	return err
}

// needsReconnect reports errors no retry can fix: the stored grant is gone or
// was revoked, so the creator has to connect again.
func needsReconnect(err error) bool {
	if errors.Is(err, ErrNoRefreshToken) {
		return true
	}
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant"
}

func (b *Bridge) tokenSource(ctx context.Context, creatorID string) (oauth2.TokenSource, error) {
	ts, err := b.tokens.Get(ctx, creatorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	ts, err = b.RefreshIfExpiring(ctx, ts)
	if err != nil {
		return nil, err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: ts.AccessToken,
		TokenType:   "Bearer",
		Expiry:      ts.Expiry,
	}), nil
}

func (b *Bridge) outbound(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)
	}
	return context.WithTimeout(ctx, b.timeout)
}

// BuildEvent renders a booking as a calendar event in UTC with the client as
// the only attendee.
func BuildEvent(bk model.Booking) *gcal.Event {
	desc := []string{
		"Client: " + bk.ClientName,
		"Email: " + bk.ClientEmail,
	}
	if bk.ClientPhone != "" {
		desc = append(desc, "Phone: "+bk.ClientPhone)
	}
	if bk.Notes != "" {
		desc = append(desc, "", bk.Notes)
	}
	return &gcal.Event{
		Summary:     fmt.Sprintf("%s with %s", serviceTitle(bk.ServiceType), bk.ClientName),
		Description: strings.Join(desc, "\n"),
		Start: &gcal.EventDateTime{
			DateTime: bk.BookingDate.UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		},
		End: &gcal.EventDateTime{
			DateTime: bk.End().UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		},
		Attendees: []*gcal.EventAttendee{{Email: bk.ClientEmail, DisplayName: bk.ClientName}},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 30},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
}

func serviceTitle(s string) string {
	if s == "" {
		return "Booking"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

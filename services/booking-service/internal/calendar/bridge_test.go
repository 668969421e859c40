package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
)

type memTokens struct {
	mu      sync.Mutex
	rows    map[string]model.TokenSet
	upserts int
}

func (m *memTokens) Upsert(_ context.Context, ts model.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rows[ts.CreatorID]; ok && ts.RefreshToken == "" {
		ts.RefreshToken = prev.RefreshToken
	}
	m.rows[ts.CreatorID] = ts
	m.upserts++
	return nil
}

func (m *memTokens) Get(_ context.Context, creatorID string) (model.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.rows[creatorID]
	if !ok {
		return model.TokenSet{}, storage.ErrNotFound
	}
	return ts, nil
}

type memBookings struct {
	rows map[string]model.Booking
}

func (m *memBookings) Get(_ context.Context, id string) (model.Booking, error) {
	b, ok := m.rows[id]
	if !ok {
		return model.Booking{}, storage.ErrNotFound
	}
	return b, nil
}

func (m *memBookings) SetCalendarEventID(_ context.Context, _, id, eventID string) error {
	b := m.rows[id]
	b.CalendarEventID = eventID
	m.rows[id] = b
	return nil
}

// fakeGoogle serves the OAuth token endpoint and the Calendar events API.
type fakeGoogle struct {
	srv       *httptest.Server
	mu        sync.Mutex
	grants    []string
	inserted  []gcal.Event
	deleted   []string
	authSeen  []string
	failToken bool
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.grants = append(f.grants, r.PostForm.Get("grant_type"))
		fail := f.failToken
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			_, _ = io.WriteString(w, `{"access_token":"at-code","refresh_token":"rt-1","expires_in":3600,"token_type":"Bearer"}`)
		case "refresh_token":
			_, _ = io.WriteString(w, `{"access_token":"at-refreshed","expires_in":3600,"token_type":"Bearer"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		var ev gcal.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		f.inserted = append(f.inserted, ev)
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"evt-123"}`)
	})
	mux.HandleFunc("/calendars/primary/events/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, strings.TrimPrefix(r.URL.Path, "/calendars/primary/events/"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestBridge(t *testing.T, g *fakeGoogle, tokens *memTokens, bookings *memBookings) *Bridge {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/api/v1/calendar/callback",
		Scopes:       []string{Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   g.srv.URL + "/auth",
			TokenURL:  g.srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return NewBridge(Config{
		OAuth:      cfg,
		States:     NewStateSigner("state-secret", 10*time.Minute),
		HTTPClient: g.srv.Client(),
		Timeout:    5 * time.Second,
	}, tokens, bookings, NewGoogleCalendar(g.srv.Client(), g.srv.URL+"/"), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthURLCarriesSignedState(t *testing.T) {
	g := newFakeGoogle(t)
	b := newTestBridge(t, g, &memTokens{rows: map[string]model.TokenSet{}}, &memBookings{})

	raw, err := b.AuthURL("creator-1")
	if err != nil {
		t.Fatalf("AuthURL failed: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if q.Get("access_type") != "offline" || q.Get("prompt") != "consent" {
		t.Fatalf("expected offline consent url, got %s", raw)
	}
	creator, err := b.states.Verify(q.Get("state"))
	if err != nil || creator != "creator-1" {
		t.Fatalf("state did not verify: %q %v", creator, err)
	}
}

func TestHandleCallbackIsIdempotent(t *testing.T) {
	g := newFakeGoogle(t)
	tokens := &memTokens{rows: map[string]model.TokenSet{}}
	b := newTestBridge(t, g, tokens, &memBookings{})

	state, _ := b.states.Sign("creator-1")
	for i := 0; i < 2; i++ {
		creator, err := b.HandleCallback(context.Background(), "auth-code", state)
		if err != nil || creator != "creator-1" {
			t.Fatalf("callback %d: %q %v", i, creator, err)
		}
	}
	if len(tokens.rows) != 1 || tokens.upserts != 2 {
		t.Fatalf("expected one row upserted twice, got %d rows, %d upserts", len(tokens.rows), tokens.upserts)
	}
	ts := tokens.rows["creator-1"]
	if ts.AccessToken != "at-code" || ts.RefreshToken != "rt-1" || ts.Expiry.IsZero() {
		t.Fatalf("unexpected token set: %+v", ts)
	}
}

func TestHandleCallbackRejectsForgedStateWithoutExchange(t *testing.T) {
	g := newFakeGoogle(t)
	tokens := &memTokens{rows: map[string]model.TokenSet{}}
	b := newTestBridge(t, g, tokens, &memBookings{})

	if _, err := b.HandleCallback(context.Background(), "auth-code", "Y3JlYXRvci0x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(g.grants) != 0 || len(tokens.rows) != 0 {
		t.Fatal("forged state must not reach the token endpoint")
	}

	g.failToken = true
	state, _ := b.states.Sign("creator-1")
	if _, err := b.HandleCallback(context.Background(), "bad-code", state); err == nil {
		t.Fatal("expected exchange failure")
	}
	if len(tokens.rows) != 0 {
		t.Fatal("failed exchange must not store tokens")
	}
}

func TestRefreshIfExpiring(t *testing.T) {
	g := newFakeGoogle(t)
	tokens := &memTokens{rows: map[string]model.TokenSet{}}
	b := newTestBridge(t, g, tokens, &memBookings{})
	now := time.Now()

	fresh := model.TokenSet{CreatorID: "c", AccessToken: "at-old", RefreshToken: "rt-1", Expiry: now.Add(time.Hour)}
	got, err := b.RefreshIfExpiring(context.Background(), fresh)
	if err != nil || got.AccessToken != "at-old" || len(g.grants) != 0 {
		t.Fatalf("fresh token should not refresh: %+v %v grants=%v", got, err, g.grants)
	}

	expiring := model.TokenSet{CreatorID: "c", AccessToken: "at-old", RefreshToken: "rt-1", Expiry: now.Add(4 * time.Minute)}
	got, err = b.RefreshIfExpiring(context.Background(), expiring)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got.AccessToken != "at-refreshed" || got.RefreshToken != "rt-1" {
		t.Fatalf("unexpected refreshed set: %+v", got)
	}
	if stored := tokens.rows["c"]; stored.AccessToken != "at-refreshed" {
		t.Fatalf("refreshed set not persisted: %+v", stored)
	}

	if _, err := b.RefreshIfExpiring(context.Background(), model.TokenSet{CreatorID: "c", Expiry: now.Add(-time.Hour)}); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestPushBookingRefreshesThenInsertsEvent(t *testing.T) {
	g := newFakeGoogle(t)
	start := time.Date(2030, 3, 11, 10, 0, 0, 0, time.UTC)
	tokens := &memTokens{rows: map[string]model.TokenSet{
		"creator-1": {CreatorID: "creator-1", AccessToken: "at-stale", RefreshToken: "rt-1", Expiry: time.Now().Add(-time.Minute)},
	}}
	bookings := &memBookings{rows: map[string]model.Booking{
		"b1": {
			ID: "b1", CreatorID: "creator-1", ClientName: "Ada", ClientEmail: "ada@example.com",
			ServiceType: "consultation", BookingDate: start, DurationMinutes: 45, Status: model.StatusConfirmed,
		},
	}}
	b := newTestBridge(t, g, tokens, bookings)

	eventID, err := b.PushBooking(context.Background(), "b1")
	if err != nil {
		t.Fatalf("PushBooking failed: %v", err)
	}
	if eventID != "evt-123" || bookings.rows["b1"].CalendarEventID != "evt-123" {
		t.Fatalf("event id not recorded: %q %+v", eventID, bookings.rows["b1"])
	}
	if len(g.authSeen) != 1 || g.authSeen[0] != "Bearer at-refreshed" {
		t.Fatalf("expected refreshed bearer token, got %v", g.authSeen)
	}

	ev := g.inserted[0]
	if ev.Start.DateTime != "2030-03-11T10:00:00Z" || ev.End.DateTime != "2030-03-11T10:45:00Z" {
		t.Fatalf("unexpected event window %s - %s", ev.Start.DateTime, ev.End.DateTime)
	}
	if len(ev.Attendees) != 1 || ev.Attendees[0].Email != "ada@example.com" {
		t.Fatalf("unexpected attendees: %+v", ev.Attendees)
	}
	if ev.Reminders == nil || ev.Reminders.UseDefault || len(ev.Reminders.Overrides) != 2 {
		t.Fatalf("unexpected reminders: %+v", ev.Reminders)
	}
	if ev.Reminders.Overrides[0].Method != "email" || ev.Reminders.Overrides[0].Minutes != 1440 ||
		ev.Reminders.Overrides[1].Method != "popup" || ev.Reminders.Overrides[1].Minutes != 30 {
		t.Fatalf("unexpected reminder overrides: %+v %+v", ev.Reminders.Overrides[0], ev.Reminders.Overrides[1])
	}

	// Second push is a no-op.
	if _, err := b.PushBooking(context.Background(), "b1"); err != nil || len(g.inserted) != 1 {
		t.Fatalf("second push should not insert again: %v, inserted=%d", err, len(g.inserted))
	}
}

func TestHandleBookingEventSkipsDisconnectedCreator(t *testing.T) {
	g := newFakeGoogle(t)
	bookings := &memBookings{rows: map[string]model.Booking{
		"b1": {ID: "b1", CreatorID: "creator-9", Status: model.StatusConfirmed, BookingDate: time.Now().Add(time.Hour), DurationMinutes: 30},
	}}
	b := newTestBridge(t, g, &memTokens{rows: map[string]model.TokenSet{}}, bookings)

	payload, _ := json.Marshal(outbox.BookingPayload{BookingID: "b1", CreatorID: "creator-9"})
	if err := b.HandleBookingEvent(context.Background(), outbox.EventBookingConfirmed, payload); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
	if len(g.inserted) != 0 {
		t.Fatal("nothing should be pushed without tokens")
	}
}

func TestHandleBookingEventRemovesCancelled(t *testing.T) {
	g := newFakeGoogle(t)
	tokens := &memTokens{rows: map[string]model.TokenSet{
		"creator-1": {CreatorID: "creator-1", AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)},
	}}
	bookings := &memBookings{rows: map[string]model.Booking{
		"b1": {ID: "b1", CreatorID: "creator-1", Status: model.StatusCancelled, CalendarEventID: "evt-9"},
	}}
	b := newTestBridge(t, g, tokens, bookings)

	payload, _ := json.Marshal(outbox.BookingPayload{BookingID: "b1", CreatorID: "creator-1"})
	if err := b.HandleBookingEvent(context.Background(), outbox.EventBookingCancelled, payload); err != nil {
		t.Fatalf("HandleBookingEvent failed: %v", err)
	}
	if len(g.deleted) != 1 || g.deleted[0] != "evt-9" {
		t.Fatalf("expected delete of evt-9, got %v", g.deleted)
	}
}

func TestStatus(t *testing.T) {
	g := newFakeGoogle(t)
	tokens := &memTokens{rows: map[string]model.TokenSet{
		"creator-1": {CreatorID: "creator-1", AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)},
	}}
	b := newTestBridge(t, g, tokens, &memBookings{})

	st, err := b.Status(context.Background(), "creator-1")
	if err != nil || !st.Connected || st.Expiry == nil {
		t.Fatalf("expected connected, got %+v %v", st, err)
	}
	st, err = b.Status(context.Background(), "creator-2")
	if err != nil || st.Connected {
		t.Fatalf("expected disconnected, got %+v %v", st, err)
	}
}

func TestHandleBookingEventSkipsBookingCancelledBeforePush(t *testing.T) {
	g := newFakeGoogle(t)
	tokens := &memTokens{rows: map[string]model.TokenSet{
		"creator-1": {CreatorID: "creator-1", AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)},
	}}
	bookings := &memBookings{rows: map[string]model.Booking{
		"b1": {ID: "b1", CreatorID: "creator-1", Status: model.StatusCancelled, BookingDate: time.Now().Add(time.Hour), DurationMinutes: 30},
	}}
	b := newTestBridge(t, g, tokens, bookings)

	payload, _ := json.Marshal(outbox.BookingPayload{BookingID: "b1", CreatorID: "creator-1"})
	for i := 0; i < 2; i++ {
		if err := b.HandleBookingEvent(context.Background(), outbox.EventBookingConfirmed, payload); err != nil {
			t.Fatalf("confirmed event for cancelled booking should be skipped, got %v", err)
		}
	}
	if len(g.inserted) != 0 {
		t.Fatalf("cancelled booking must not be pushed, inserted=%d", len(g.inserted))
	}
}

func TestHandleBookingEventSkipsRevokedGrant(t *testing.T) {
	g := newFakeGoogle(t)
	g.failToken = true
	tokens := &memTokens{rows: map[string]model.TokenSet{
		"creator-1": {CreatorID: "creator-1", AccessToken: "at", RefreshToken: "rt-revoked", Expiry: time.Now().Add(-time.Minute)},
		"creator-2": {CreatorID: "creator-2", AccessToken: "at", Expiry: time.Now().Add(-time.Minute)},
	}}
	bookings := &memBookings{rows: map[string]model.Booking{
		"b1": {ID: "b1", CreatorID: "creator-1", Status: model.StatusConfirmed, BookingDate: time.Now().Add(time.Hour), DurationMinutes: 30},
		"b2": {ID: "b2", CreatorID: "creator-2", Status: model.StatusConfirmed, BookingDate: time.Now().Add(time.Hour), DurationMinutes: 30},
	}}
	b := newTestBridge(t, g, tokens, bookings)

	for _, id := range []string{"b1", "b2"} {
		payload, _ := json.Marshal(outbox.BookingPayload{BookingID: id})
		if err := b.HandleBookingEvent(context.Background(), outbox.EventBookingConfirmed, payload); err != nil {
			t.Fatalf("%s: expected skip, got %v", id, err)
		}
	}
	if len(g.inserted) != 0 {
		t.Fatalf("nothing should be pushed without a usable grant, inserted=%d", len(g.inserted))
	}
}

func TestHandleBookingEventSurfacesTransientFailures(t *testing.T) {
	g := newFakeGoogle(t)
	g.srv.Close()
	tokens := &memTokens{rows: map[string]model.TokenSet{
		"creator-1": {CreatorID: "creator-1", AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)},
	}}
	bookings := &memBookings{rows: map[string]model.Booking{
		"b1": {ID: "b1", CreatorID: "creator-1", Status: model.StatusConfirmed, BookingDate: time.Now().Add(time.Hour), DurationMinutes: 30},
	}}
	b := newTestBridge(t, g, tokens, bookings)

	payload, _ := json.Marshal(outbox.BookingPayload{BookingID: "b1"})
	if err := b.HandleBookingEvent(context.Background(), outbox.EventBookingConfirmed, payload); err == nil {
		t.Fatal("expected an error while the calendar API is unreachable")
	}
}

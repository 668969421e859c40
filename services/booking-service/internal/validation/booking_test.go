package validation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
)

var fixedNow = time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	v := New("")
	v.now = func() time.Time { return fixedNow }
	return v
}

func validPayload() map[string]any {
	return map[string]any{
		"client_name":      "Ada Lovelace",
		"client_email":     "Ada@Example.com",
		"phone":            "+1 650-253-0000",
		"service_type":     "consultation",
		"booking_date":     "2030-03-04",
		"booking_time":     "10:00",
		"duration_minutes": 30,
		"notes":            "intro call",
		"agree_terms":      true,
	}
}

func encode(t *testing.T, m map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	return ae.Fields
}

func TestBookingValidPayloadIsNormalized(t *testing.T) {
	b, err := newTestValidator().Booking(encode(t, validPayload()))
	if err != nil {
		t.Fatalf("Booking failed: %v", err)
	}
	want := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)
	if !b.BookingDate.Equal(want) {
		t.Fatalf("expected %s, got %s", want, b.BookingDate)
	}
	if got := model.FormatInstant(b.BookingDate); got != "2030-03-04T10:00:00.000Z" {
		t.Fatalf("unexpected serialized instant %q", got)
	}
	if b.ClientPhone != "+16502530000" {
		t.Fatalf("expected E.164 phone, got %q", b.ClientPhone)
	}
	if b.ClientEmail != "ada@example.com" {
		t.Fatalf("expected lowercased email, got %q", b.ClientEmail)
	}
	if b.Status != "" || b.PaymentStatus != "" {
		t.Fatalf("validator must not set status fields: %+v", b)
	}
}

func TestCombineDateTimeDiscardsTimeAndIgnoresLocalZone(t *testing.T) {
	orig := time.Local
	defer func() { time.Local = orig }()

	for _, zone := range []string{"UTC", "America/Los_Angeles", "Asia/Kolkata", "Pacific/Kiritimati"} {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			t.Skipf("tzdata unavailable: %v", err)
		}
		time.Local = loc

		cases := map[string]string{
			"2030-03-04":                "2030-03-04T09:05:00.000Z",
			"2030-03-04T23:59":          "2030-03-04T09:05:00.000Z",
			"2030-03-04T18:30:45.123Z":  "2030-03-04T09:05:00.000Z",
			"2030-03-04T01:00:00+05:00": "2030-03-03T09:05:00.000Z",
		}
		for date, want := range cases {
			got, err := CombineDateTime(date, "09:05")
			if err != nil {
				t.Fatalf("%s: CombineDateTime(%q) failed: %v", zone, date, err)
			}
			if s := model.FormatInstant(got); s != want {
				t.Fatalf("%s: CombineDateTime(%q) = %s, want %s", zone, date, s, want)
			}
		}
	}
}

func TestBookingRejectsInvalidPhoneRegardlessOfOtherFields(t *testing.T) {
	for _, phone := range []string{"12345", "+1 555", "not-a-phone", "+16502530"} {
		p := validPayload()
		p["phone"] = phone
		_, err := newTestValidator().Booking(encode(t, p))
		fields := fieldsOf(t, err)
		if _, ok := fields["phone"]; !ok || len(fields) != 1 {
			t.Fatalf("phone %q: expected only phone error, got %v", phone, fields)
		}
	}
}

func TestBookingReportsEveryViolatedField(t *testing.T) {
	p := map[string]any{
		"client_name":      " A ",
		"client_email":     "nope",
		"phone":            "+16502530000",
		"service_type":     "therapy",
		"booking_date":     "2030-03-04",
		"booking_time":     "25:00",
		"duration_minutes": 10,
		"agree_terms":      false,
	}
	_, err := newTestValidator().Booking(encode(t, p))
	fields := fieldsOf(t, err)
	for _, name := range []string{"client_name", "client_email", "service_type", "booking_time", "duration_minutes", "agree_terms"} {
		if _, ok := fields[name]; !ok {
			t.Fatalf("expected error for %s, got %v", name, fields)
		}
	}
	if _, ok := fields["phone"]; ok {
		t.Fatalf("valid phone reported as invalid: %v", fields)
	}
}

func TestBookingRequiresFutureInstant(t *testing.T) {
	p := validPayload()
	p["booking_date"] = "2030-03-01"
	p["booking_time"] = "12:00"
	fields := fieldsOf(t, func() error { _, err := newTestValidator().Booking(encode(t, p)); return err }())
	if fields["booking_date"] != "must be in the future" {
		t.Fatalf("expected future-date error, got %v", fields)
	}

	p["booking_time"] = "12:01"
	if _, err := newTestValidator().Booking(encode(t, p)); err != nil {
		t.Fatalf("one minute ahead should pass: %v", err)
	}
}

func TestBookingMissingTermsAndWrongTypes(t *testing.T) {
	p := validPayload()
	delete(p, "agree_terms")
	fields := fieldsOf(t, func() error { _, err := newTestValidator().Booking(encode(t, p)); return err }())
	if fields["agree_terms"] != "must be accepted" {
		t.Fatalf("expected agree_terms error, got %v", fields)
	}

	p = validPayload()
	p["duration_minutes"] = "thirty"
	fields = fieldsOf(t, func() error { _, err := newTestValidator().Booking(encode(t, p)); return err }())
	if _, ok := fields["duration_minutes"]; !ok {
		t.Fatalf("expected type error on duration_minutes, got %v", fields)
	}

	if _, err := newTestValidator().Booking([]byte("{")); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for malformed json, got %v", err)
	}
}

func TestBookingIgnoresClientStatus(t *testing.T) {
	p := validPayload()
	p["status"] = "confirmed"
	p["payment_status"] = "paid"
	b, err := newTestValidator().Booking(encode(t, p))
	if err != nil {
		t.Fatalf("Booking failed: %v", err)
	}
	if b.Status != "" || b.PaymentStatus != "" {
		t.Fatalf("client status leaked into draft: %+v", b)
	}
}

func TestPhoneDefaultRegion(t *testing.T) {
	if _, err := NormalizePhone("650-253-0000", ""); err == nil {
		t.Fatal("expected national number to fail without a default region")
	}
	got, err := NormalizePhone("650-253-0000", "US")
	if err != nil || got != "+16502530000" {
		t.Fatalf("expected +16502530000, got %q (%v)", got, err)
	}
}

func TestParseClock(t *testing.T) {
	good := map[string][2]int{"00:00": {0, 0}, "9:30": {9, 30}, "23:59": {23, 59}}
	for in, want := range good {
		h, m, err := ParseClock(in)
		if err != nil || h != want[0] || m != want[1] {
			t.Fatalf("ParseClock(%q) = %d,%d,%v", in, h, m, err)
		}
	}
	for _, in := range []string{"", "24:00", "12:60", "1230", "12:5", "ab:cd"} {
		if _, _, err := ParseClock(in); err == nil {
			t.Fatalf("ParseClock(%q) should fail", in)
		}
	}
}

func TestBookingCapsDurationAtOneDay(t *testing.T) {
	p := validPayload()
	p["duration_minutes"] = model.MaxDurationMinutes
	b, err := newTestValidator().Booking(encode(t, p))
	if err != nil {
		t.Fatalf("a full-day booking should pass: %v", err)
	}
	if b.Duration() != 24*time.Hour {
		t.Fatalf("expected 24h, got %s", b.Duration())
	}

	for _, minutes := range []int{model.MaxDurationMinutes + 1, 307445735} {
		p["duration_minutes"] = minutes
		fields := fieldsOf(t, func() error { _, err := newTestValidator().Booking(encode(t, p)); return err }())
		if fields["duration_minutes"] != "must be at most 1440" {
			t.Fatalf("%d minutes: expected upper-bound error, got %v", minutes, fields)
		}
	}
}

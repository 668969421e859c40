// Package validation turns a raw public booking payload into a normalized
// booking draft or a field-level validation error.
package validation

import (
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"github.com/nyaruka/phonenumbers"
)

// BookingInput is the public intake payload. Status and payment fields are
// accepted so that clients sending them are not rejected, and then ignored.
type BookingInput struct {
	CreatorID       string `json:"creator_id"`
	ClientName      string `json:"client_name" validate:"required,min=2,max=200"`
	ClientEmail     string `json:"client_email" validate:"required,email"`
	Phone           string `json:"phone" validate:"required,phone"`
	ServiceType     string `json:"service_type" validate:"required,oneof=consultation workshop mentoring custom"`
	BookingDate     string `json:"booking_date" validate:"required,bookingdate"`
	BookingTime     string `json:"booking_time" validate:"required,clock"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=15,lte=1440"`
	Notes           string `json:"notes" validate:"max=2000"`
	AgreeTerms      bool   `json:"agree_terms" validate:"eq=true"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

type Validator struct {
	validate *validator.Validate
	region   string
	now      func() time.Time
}

// New builds a Validator. defaultRegion is the ISO 3166 region used for phone
// numbers written without a +country prefix; empty requires the prefix.
func New(defaultRegion string) *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		region:   strings.ToUpper(strings.TrimSpace(defaultRegion)),
		now:      time.Now,
	}
	v.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		_, err := NormalizePhone(fl.Field().String(), v.region)
		return err == nil
	})
	_ = v.validate.RegisterValidation("bookingdate", func(fl validator.FieldLevel) bool {
		_, err := ParseDate(fl.Field().String())
		return err == nil
	})
	_ = v.validate.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, _, err := ParseClock(fl.Field().String())
		return err == nil
	})
	return v
}

// Booking decodes raw and returns the normalized draft. Status and payment
// status on the draft are left empty; the writer decides them.
func (v *Validator) Booking(raw []byte) (model.Booking, error) {
	var in BookingInput
	if err := json.Unmarshal(raw, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return model.Booking{}, apperr.Validation("validation failed", map[string]string{
				typeErr.Field: "has the wrong type",
			})
		}
		return model.Booking{}, apperr.Validation("invalid json body", nil)
	}
	return v.BookingInput(in)
}

func (v *Validator) BookingInput(in BookingInput) (model.Booking, error) {
	in.CreatorID = strings.TrimSpace(in.CreatorID)
	in.ClientName = strings.TrimSpace(in.ClientName)
	in.ClientEmail = strings.TrimSpace(in.ClientEmail)
	in.Phone = strings.TrimSpace(in.Phone)
	in.ServiceType = strings.TrimSpace(in.ServiceType)
	in.BookingDate = strings.TrimSpace(in.BookingDate)
	in.BookingTime = strings.TrimSpace(in.BookingTime)
	in.Notes = strings.TrimSpace(in.Notes)

	fields := map[string]string{}
	if err := v.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.Booking{}, apperr.Upstream("validate booking", err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = message(fe)
		}
	}

	var instant time.Time
	_, dateBad := fields["booking_date"]
	_, timeBad := fields["booking_time"]
	if !dateBad && !timeBad {
		var err error
		instant, err = CombineDateTime(in.BookingDate, in.BookingTime)
		if err != nil {
			fields["booking_date"] = "is not a valid date"
		} else if !instant.After(v.now()) {
			fields["booking_date"] = "must be in the future"
		}
	}
	if len(fields) > 0 {
		return model.Booking{}, apperr.Validation("validation failed", fields)
	}

	phone, _ := NormalizePhone(in.Phone, v.region)
	return model.Booking{
		CreatorID:       in.CreatorID,
		ClientName:      in.ClientName,
		ClientEmail:     strings.ToLower(in.ClientEmail),
		ClientPhone:     phone,
		ServiceType:     in.ServiceType,
		BookingDate:     instant,
		DurationMinutes: in.DurationMinutes,
		Notes:           in.Notes,
		AgreeTerms:      in.AgreeTerms,
	}, nil
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email":
		return "must be a valid email address"
	case "phone":
		return "must be a valid international phone number"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "bookingdate":
		return "is not a valid date"
	case "clock":
		return "must be HH:MM"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "eq":
		return "must be accepted"
	default:
		return "is invalid"
	}
}

// ParseDate accepts an RFC 3339 instant, a bare date or a zone-less local
// date-time. Zone-less values are read as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized date format")
}

// ParseClock parses "HH:MM" with hour 0-23 and minute 0-59.
func ParseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, 0, errors.New("clock must be HH:MM")
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.New("hour out of range")
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.New("minute out of range")
	}
	return hour, minute, nil
}

// CombineDateTime takes the UTC calendar date of date and sets the clock to
// clock at zero seconds. Any time of day present in date is discarded.
func CombineDateTime(date, clock string) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	d = d.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, time.UTC), nil
}

// NormalizePhone returns raw in E.164 form or an error if it is not a valid
// number.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty phone number")
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

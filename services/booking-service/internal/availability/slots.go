package availability

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Snapshot is the uncombined view of a creator's calendar: weekly rules,
// blocked ranges and the bookings that still occupy slots.
type Snapshot struct {
	Availability []model.AvailabilityRule
	BlockedDates []model.BlockedDateRange
	Bookings     []model.Booking
}

// IsSlotAvailable reports whether [start, start+duration) fits inside an
// available weekly window, is not on a blocked date and does not overlap an
// active booking. All comparisons are in UTC.
func IsSlotAvailable(s Snapshot, start time.Time, duration time.Duration) bool {
	if duration <= 0 || duration > model.MaxDuration {
		return false
	}
	start = start.UTC()
	end := start.Add(duration)

	if isBlocked(s.BlockedDates, start) {
		return false
	}
	inWindow := false
	for _, w := range windowsFor(s.Availability, start) {
		if !start.Before(w.Start) && !end.After(w.End) {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return false
	}
	return !overlapsAny(start, end, Busy(s.Bookings))
}

// BookableSlots lists the slot starts on day's UTC date where a booking of
// length duration would pass IsSlotAvailable. Slots starting before now are
// skipped.
func BookableSlots(s Snapshot, day time.Time, duration, step time.Duration, now time.Time) []time.Time {
	day = model.TruncateDay(day)
	if isBlocked(s.BlockedDates, day) {
		return nil
	}
	busy := Busy(s.Bookings)

	seen := map[int64]struct{}{}
	var out []time.Time
	for _, w := range windowsFor(s.Availability, day) {
		for _, t := range AvailableSlots(w.Start, w.End, duration, step, busy, now) {
			if _, ok := seen[t.UnixNano()]; ok {
				continue
			}
			seen[t.UnixNano()] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Busy converts active bookings into occupied intervals.
func Busy(bookings []model.Booking) []Interval {
	busy := make([]Interval, 0, len(bookings))
	for _, b := range bookings {
		if !b.Active() {
			continue
		}
		busy = append(busy, Interval{Start: b.BookingDate.UTC(), End: b.End().UTC()})
	}
	return busy
}

// AvailableSlots returns slot start times within [windowStart, windowEnd) where a booking of
// length duration would not overlap any of the busy intervals.
//
// All times are expected to be in the same location (timezone).
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		if !overlapsAny(t, t.Add(duration), busy) {
			slots = append(slots, t)
		}
	}
	return slots
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}

// Overlaps is the half-open interval test: [aStart,aEnd) and [bStart,bEnd)
// overlap iff aStart < bEnd && bStart < aEnd.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func isBlocked(ranges []model.BlockedDateRange, t time.Time) bool {
	for _, r := range ranges {
		if r.Covers(t) {
			return true
		}
	}
	return false
}

// windowsFor materializes the available rules for t's UTC weekday on t's date.
// Rules with unparseable or inverted clocks are ignored.
func windowsFor(rules []model.AvailabilityRule, t time.Time) []Interval {
	day := model.TruncateDay(t)
	var out []Interval
	for _, r := range rules {
		if !r.IsAvailable || r.DayOfWeek != int(day.Weekday()) {
			continue
		}
		from, err := clockOffset(r.StartTime)
		if err != nil {
			continue
		}
		to, err := clockOffset(r.EndTime)
		if err != nil || to <= from {
			continue
		}
		out = append(out, Interval{Start: day.Add(from), End: day.Add(to)})
	}
	return out
}

// clockOffset parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
// "24:00" is accepted as end of day.
func clockOffset(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, errors.New("invalid clock")
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, errors.New("invalid clock")
		}
		vals[i] = n
	}
	h, m, sec := vals[0], vals[1], vals[2]
	if m > 59 || sec > 59 || h > 24 || (h == 24 && (m > 0 || sec > 0)) {
		return 0, errors.New("invalid clock")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

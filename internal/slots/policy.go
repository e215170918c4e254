package slots

import (
	"fmt"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/domain"
)

// Policy is the resolved, immutable booking configuration. Components receive
// it by value at construction.
type Policy struct {
	Location         *time.Location
	ZoneName         string
	SlotDuration     time.Duration
	Granularity      time.Duration
	DayStart         clock.TimeParts
	DayEnd           clock.TimeParts
	Cutoff           clock.TimeParts
	HoldTTL          time.Duration
	SessionTokenTTL  time.Duration
	ManageTokenGrace time.Duration
	MaxAdvanceDays   int
	ClosedWeekdays   map[time.Weekday]bool
}

// Target is a validated slot request: the local date plus the resolved
// instants.
type Target struct {
	Date    clock.LocalDate
	Time    clock.TimeParts
	StartAt time.Time
	EndAt   time.Time
}

// DateKey returns the local date as YYYY-MM-DD.
func (t Target) DateKey() string {
	return t.Date.String()
}

// CheckZone rejects any zone other than the configured business zone. An empty
// zone means the business zone.
func (p Policy) CheckZone(zone string) error {
	if zone == "" || zone == p.ZoneName {
		return nil
	}
	return fmt.Errorf("%w: timezone %q is not supported, use %q", domain.ErrInvalidInput, zone, p.ZoneName)
}

// Resolve parses date and time and checks that the slot lies on the grid,
// inside the serving window, on an open weekday.
func (p Policy) Resolve(dateKey, hhmm string) (Target, error) {
	date, err := clock.ParseDateKey(dateKey)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	tp, err := clock.ParseClock(hhmm)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	gran := int(p.Granularity / time.Minute)
	offset := tp.MinuteOfDay() - p.DayStart.MinuteOfDay()
	if offset < 0 || offset%gran != 0 {
		return Target{}, fmt.Errorf("%w: time %s is not aligned to the %d-minute grid", domain.ErrInvalidInput, tp, gran)
	}
	if tp.MinuteOfDay()+int(p.SlotDuration/time.Minute) > p.DayEnd.MinuteOfDay() {
		return Target{}, fmt.Errorf("%w: time %s is outside the serving window %s-%s",
			domain.ErrInvalidInput, tp, p.DayStart, p.DayEnd)
	}
	if p.ClosedWeekdays[date.Weekday()] {
		return Target{}, fmt.Errorf("%w: no appointments on %s", domain.ErrInvalidInput, date.Weekday())
	}

	start := date.At(tp, p.Location)
	return Target{Date: date, Time: tp, StartAt: start, EndAt: start.Add(p.SlotDuration)}, nil
}

// CheckBookable applies the time-dependent gates: advance horizon, same-day
// cutoff (when enforced) and future-only.
func (p Policy) CheckBookable(now time.Time, t Target, enforceCutoff bool) error {
	if p.beyondHorizon(now, t.Date) {
		return fmt.Errorf("%w: %s is more than %d days ahead", domain.ErrInvalidInput, t.Date, p.MaxAdvanceDays)
	}
	if enforceCutoff && clock.IsSameDayCutoffReached(now, t.DateKey(), p.Location, p.Cutoff.Hour, p.Cutoff.Minute) {
		return fmt.Errorf("%w: same-day bookings close at %s", domain.ErrSameDayCutoff, p.Cutoff)
	}
	if !t.StartAt.After(now) {
		return fmt.Errorf("%w: slot %s %s is in the past", domain.ErrInvalidInput, t.Date, t.Time)
	}
	return nil
}

func (p Policy) beyondHorizon(now time.Time, date clock.LocalDate) bool {
	if p.MaxAdvanceDays <= 0 {
		return false
	}
	last := clock.DateOf(now, p.Location).AddDays(p.MaxAdvanceDays)
	return date.String() > last.String()
}

// Grid returns every slot start of the given local date, in order. Closed
// weekdays yield no slots.
func (p Policy) Grid(date clock.LocalDate) []Target {
	if p.ClosedWeekdays[date.Weekday()] {
		return nil
	}
	gran := int(p.Granularity / time.Minute)
	slotLen := int(p.SlotDuration / time.Minute)

	var out []Target
	for m := p.DayStart.MinuteOfDay(); m+slotLen <= p.DayEnd.MinuteOfDay(); m += gran {
		tp := clock.TimeParts{Hour: m / 60, Minute: m % 60}
		start := date.At(tp, p.Location)
		out = append(out, Target{Date: date, Time: tp, StartAt: start, EndAt: start.Add(p.SlotDuration)})
	}
	return out
}

// DayBounds returns the UTC instants of local midnight of date and of the
// following day.
func (p Policy) DayBounds(date clock.LocalDate) (time.Time, time.Time) {
	midnight := clock.TimeParts{}
	return date.At(midnight, p.Location), date.AddDays(1).At(midnight, p.Location)
}

// ManageTokenExpiry is the lifetime end of tokens minted at confirmation.
func (p Policy) ManageTokenExpiry(endAt time.Time) time.Time {
	return endAt.Add(p.ManageTokenGrace)
}

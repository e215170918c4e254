package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // business zones must resolve on hosts without zoneinfo
)

const (
	DateKeyLayout = "2006-01-02"
	ClockLayout   = "15:04"
)

// TimeParts is a wall-clock hour and minute in some zone.
type TimeParts struct {
	Hour   int
	Minute int
}

// MinuteOfDay returns the number of minutes since local midnight.
func (p TimeParts) MinuteOfDay() int {
	return p.Hour*60 + p.Minute
}

func (p TimeParts) String() string {
	return fmt.Sprintf("%02d:%02d", p.Hour, p.Minute)
}

// ZonedToInstant resolves a local wall-clock time in loc to an absolute instant.
//
// The offset is looked up twice: once for the naive UTC guess and once for the
// instant corrected by that offset. The second offset wins, which gives the
// right answer on both sides of a DST transition.
func ZonedToInstant(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	guess := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)

	_, firstOffset := guess.In(loc).Zone()
	corrected := guess.Add(-time.Duration(firstOffset) * time.Second)

	_, secondOffset := corrected.In(loc).Zone()
	if secondOffset != firstOffset {
		corrected = guess.Add(-time.Duration(secondOffset) * time.Second)
	}
	return corrected.UTC()
}

// InstantToZonedDateKey formats the local date of t in loc as YYYY-MM-DD.
func InstantToZonedDateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyLayout)
}

// InstantToZonedTimeParts returns the local hour and minute of t in loc.
func InstantToZonedTimeParts(t time.Time, loc *time.Location) TimeParts {
	local := t.In(loc)
	return TimeParts{Hour: local.Hour(), Minute: local.Minute()}
}

// IsSameDayCutoffReached reports whether targetDateKey is today in loc and the
// current local time is at or past the cutoff.
func IsSameDayCutoffReached(now time.Time, targetDateKey string, loc *time.Location, cutoffHour, cutoffMinute int) bool {
	if InstantToZonedDateKey(now, loc) != targetDateKey {
		return false
	}
	current := InstantToZonedTimeParts(now, loc)
	return current.MinuteOfDay() >= cutoffHour*60+cutoffMinute
}

// LocalDate is a calendar date without a zone.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Weekday returns the day of week of the calendar date.
func (d LocalDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

// AddDays returns the calendar date n days later.
func (d LocalDate) AddDays(n int) LocalDate {
	t := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return LocalDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// At resolves the wall-clock time p on this date in loc.
func (d LocalDate) At(p TimeParts, loc *time.Location) time.Time {
	return ZonedToInstant(d.Year, d.Month, d.Day, p.Hour, p.Minute, loc)
}

// ParseDateKey parses a strict YYYY-MM-DD string.
func ParseDateKey(s string) (LocalDate, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(DateKeyLayout, s)
	if err != nil || t.Format(DateKeyLayout) != s {
		return LocalDate{}, fmt.Errorf("invalid date %q; expected YYYY-MM-DD", s)
	}
	return LocalDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// ParseClock parses a strict HH:MM string.
func ParseClock(s string) (TimeParts, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return TimeParts{}, fmt.Errorf("invalid time %q; expected HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return TimeParts{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return TimeParts{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeParts{Hour: hour, Minute: minute}, nil
}

// DateOf returns the local calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) LocalDate {
	local := t.In(loc)
	return LocalDate{Year: local.Year(), Month: local.Month(), Day: local.Day()}
}

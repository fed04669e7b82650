package notifications

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidClock indicates a time of day that is not a valid "HH:MM".
	ErrInvalidClock = errors.New("notifications: invalid time of day")
	// ErrInvalidTimezone indicates an unknown IANA timezone name.
	ErrInvalidTimezone = errors.New("notifications: invalid timezone")
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock validates "HH:MM" input.
func ParseClock(raw string) (Clock, error) {
	trimmed := strings.TrimSpace(raw)
	hourText, minuteText, found := strings.Cut(trimmed, ":")
	if !found || len(hourText) == 0 || len(hourText) > 2 || len(minuteText) != 2 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	hour, err := strconv.Atoi(hourText)
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	minute, err := strconv.Atoi(minuteText)
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// String formats the clock as "HH:MM".
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

// On returns the instant of c on the calendar day of day, in day's location.
func (c Clock) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// LoadLocation resolves an IANA timezone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return time.UTC
	}
	location, err := time.LoadLocation(trimmed)
	if err != nil {
		return time.UTC
	}
	return location
}

// Validate reports whether the window bounds and timezone are usable.
func (q QuietHours) Validate() error {
	if _, err := ParseClock(q.Start); err != nil {
		return err
	}
	if _, err := ParseClock(q.End); err != nil {
		return err
	}
	if _, err := time.LoadLocation(strings.TrimSpace(q.Timezone)); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTimezone, q.Timezone, err)
	}
	return nil
}

// QuietUntil reports whether now falls inside the quiet window and, if so, the
// instant the window ends. Windows with Start after End span midnight; equal
// bounds mean no quiet hours. Unparseable bounds disable the window.
func (q QuietHours) QuietUntil(now time.Time) (time.Time, bool) {
	start, err := ParseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return time.Time{}, false
	}
	if start == end {
		return time.Time{}, false
	}

	local := now.In(LoadLocation(q.Timezone))
	current := local.Hour()*60 + local.Minute()

	if start.minutes() < end.minutes() {
		if current >= start.minutes() && current < end.minutes() {
			return end.On(local), true
		}
		return time.Time{}, false
	}

	switch {
	case current >= start.minutes():
		return end.On(local.AddDate(0, 0, 1)), true
	case current < end.minutes():
		return end.On(local), true
	default:
		return time.Time{}, false
	}
}

package notifications

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		input   string
		want    Clock
		wantErr bool
	}{
		{input: "22:00", want: Clock{Hour: 22}},
		{input: " 8:05 ", want: Clock{Hour: 8, Minute: 5}},
		{input: "00:00", want: Clock{}},
		{input: "24:00", wantErr: true},
		{input: "12:60", wantErr: true},
		{input: "12", wantErr: true},
		{input: "ab:cd", wantErr: true},
		{input: "12:5", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseClock(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidClock)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestQuietUntilSpanningMidnight(t *testing.T) {
	window := QuietHours{Start: "22:00", End: "08:00", Timezone: "UTC"}

	tests := []struct {
		name      string
		now       time.Time
		wantQuiet bool
		wantUntil time.Time
	}{
		{name: "late evening defers to next morning", now: day(23, 30), wantQuiet: true, wantUntil: day(8, 0).AddDate(0, 0, 1)},
		{name: "window start is quiet", now: day(22, 0), wantQuiet: true, wantUntil: day(8, 0).AddDate(0, 0, 1)},
		{name: "early morning defers to same day", now: day(7, 59), wantQuiet: true, wantUntil: day(8, 0)},
		{name: "window end is not quiet", now: day(8, 0), wantQuiet: false},
		{name: "morning sends now", now: day(9, 0), wantQuiet: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			until, quiet := window.QuietUntil(tc.now)
			require.Equal(t, tc.wantQuiet, quiet)
			if tc.wantQuiet {
				require.True(t, until.Equal(tc.wantUntil), "expected %s, got %s", tc.wantUntil, until)
			}
		})
	}
}

func TestQuietUntilSameDayWindow(t *testing.T) {
	window := QuietHours{Start: "13:00", End: "15:30", Timezone: "UTC"}

	until, quiet := window.QuietUntil(day(14, 0))
	require.True(t, quiet)
	require.True(t, until.Equal(day(15, 30)))

	_, quiet = window.QuietUntil(day(16, 0))
	require.False(t, quiet)
	_, quiet = window.QuietUntil(day(12, 59))
	require.False(t, quiet)
}

func TestQuietUntilDisabledWindows(t *testing.T) {
	_, quiet := QuietHours{Start: "22:00", End: "22:00", Timezone: "UTC"}.QuietUntil(day(22, 30))
	require.False(t, quiet, "equal bounds mean no quiet hours")

	_, quiet = QuietHours{Start: "bogus", End: "08:00"}.QuietUntil(day(23, 0))
	require.False(t, quiet, "unparseable bounds disable the window")
}

func TestQuietUntilUsesUserTimezone(t *testing.T) {
	window := QuietHours{Start: "22:00", End: "08:00", Timezone: "America/New_York"}
	// 03:30 UTC on 10 July is 23:30 EDT on 9 July.
	now := time.Date(2024, time.July, 10, 3, 30, 0, 0, time.UTC)

	until, quiet := window.QuietUntil(now)
	require.True(t, quiet)
	require.True(t, until.Equal(time.Date(2024, time.July, 10, 12, 0, 0, 0, time.UTC)), "got %s", until.UTC())

	_, quiet = window.QuietUntil(time.Date(2024, time.July, 10, 14, 0, 0, 0, time.UTC))
	require.False(t, quiet)
}

func TestQuietHoursValidate(t *testing.T) {
	require.NoError(t, QuietHours{Start: "22:00", End: "08:00", Timezone: "Europe/Berlin"}.Validate())
	require.ErrorIs(t, QuietHours{Start: "22:00", End: "8", Timezone: "UTC"}.Validate(), ErrInvalidClock)
	require.ErrorIs(t, QuietHours{Start: "22:00", End: "08:00", Timezone: "Mars/Olympus"}.Validate(), ErrInvalidTimezone)
}

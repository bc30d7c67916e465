package clock

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestBusinessHours_LateEveningMovesToNextMorning(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	bh := DefaultBusinessHours()

	// Tuesday 23:00 local
	at := time.Date(2024, 3, 12, 23, 0, 0, 0, ny)
	next := bh.Next(at, ny)

	assert.True(t, next.Equal(time.Date(2024, 3, 13, 9, 0, 0, 0, ny)), "got %s", next.In(ny))
	assert.False(t, next.Before(at))
}

func TestBusinessHours_InsideWindowUnchanged(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	bh := DefaultBusinessHours()

	at := time.Date(2024, 3, 12, 10, 30, 0, 0, ny)
	assert.True(t, bh.Next(at, ny).Equal(at))
	assert.True(t, bh.Contains(at, ny))
}

func TestBusinessHours_EarlyMorningSameDay(t *testing.T) {
	bh := DefaultBusinessHours()
	at := time.Date(2024, 3, 12, 6, 15, 0, 0, time.UTC)
	assert.True(t, bh.Next(at, time.UTC).Equal(time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)))
}

func TestBusinessHours_FridayEveningSkipsWeekend(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	bh := DefaultBusinessHours()

	at := time.Date(2024, 3, 15, 20, 0, 0, 0, tokyo)
	next := bh.Next(at, tokyo)

	assert.True(t, next.Equal(time.Date(2024, 3, 18, 9, 0, 0, 0, tokyo)), "got %s", next.In(tokyo))
}

func TestBusinessHours_ClosingTimeIsOutside(t *testing.T) {
	bh := DefaultBusinessHours()
	at := time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC)
	assert.False(t, bh.Contains(at, time.UTC))
	assert.True(t, bh.Next(at, time.UTC).Equal(time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)))
}

func TestBusinessHours_TimezoneDiffersFromUTC(t *testing.T) {
	// 14:00 UTC is 23:00 in Tokyo; the contact's zone decides.
	tokyo := mustLoad(t, "Asia/Tokyo")
	bh := DefaultBusinessHours()

	at := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)
	assert.True(t, bh.Contains(at, time.UTC))
	assert.False(t, bh.Contains(at, tokyo))
	assert.True(t, bh.Next(at, tokyo).Equal(time.Date(2024, 3, 13, 9, 0, 0, 0, tokyo)))
}

func TestBusinessHours_NextOpeningIsStrictlyAfter(t *testing.T) {
	bh := DefaultBusinessHours()
	at := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	assert.True(t, bh.NextOpening(at, time.UTC).Equal(time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)))
}

func TestService_ToLocalBusinessHours(t *testing.T) {
	svc := NewService(NewFake(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)), DefaultBusinessHours())

	next, err := svc.ToLocalBusinessHours(time.Date(2024, 3, 12, 3, 0, 0, 0, time.UTC), "Europe/Berlin")
	require.NoError(t, err)
	berlin := mustLoad(t, "Europe/Berlin")
	assert.True(t, next.Equal(time.Date(2024, 3, 12, 9, 0, 0, 0, berlin)))

	_, err = svc.ToLocalBusinessHours(time.Now(), "Mars/Olympus")
	assert.Error(t, err)
}

func TestParseClockAndWeekday(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)

	_, err = ParseClock("25:00")
	assert.Error(t, err)

	wd, err := ParseWeekday("Saturday")
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, wd)
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())
}

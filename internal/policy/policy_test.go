package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func chicago(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return time.Date(2026, time.January, 15, hour, min, 0, 0, loc)
}

func TestIsQuietHours_Chicago(t *testing.T) {
	cases := []struct {
		name string
		hour int
		min  int
		want bool
	}{
		{"late evening", 22, 0, true},
		{"morning", 10, 0, false},
		{"just before eight", 7, 59, true},
		{"eight sharp", 8, 0, false},
		{"nine pm sharp", 21, 0, true},
		{"just before nine pm", 20, 59, false},
		{"midnight", 0, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, IsQuietHours("America/Chicago", chicago(t, c.hour, c.min)))
		})
	}
}

func TestIsQuietHours_UsesRecipientZone(t *testing.T) {
	// 10:00 in Chicago is 01:00 next day in Tokyo.
	now := chicago(t, 10, 0)
	require.False(t, IsQuietHours("America/Chicago", now))
	require.True(t, IsQuietHours("Asia/Tokyo", now))
}

func TestIsQuietHours_InvalidZoneFallsBack(t *testing.T) {
	night := chicago(t, 23, 0)
	day := chicago(t, 12, 0)

	for _, tz := range []string{"", "Not/AZone", "   "} {
		require.True(t, IsQuietHours(tz, night), "tz %q", tz)
		require.False(t, IsQuietHours(tz, day), "tz %q", tz)
	}
}

func TestQuietHours_FallbackWhenZoneUnknown(t *testing.T) {
	q := NewQuietHours(21, 8, "Nowhere/Special")
	require.Equal(t, fixedCentral, q.Fallback)

	at := time.Date(2026, time.July, 1, 3, 0, 0, 0, time.UTC) // 21:00 at UTC-6
	require.True(t, q.Active("", at))
}

func TestQuietHours_Remaining(t *testing.T) {
	q := DefaultQuietHours()

	require.Equal(t, 10*time.Hour, q.Remaining("America/Chicago", chicago(t, 22, 0)))
	require.Equal(t, time.Minute, q.Remaining("America/Chicago", chicago(t, 7, 59)))
	require.Zero(t, q.Remaining("America/Chicago", chicago(t, 12, 0)))
}

func TestQuietHours_NonWrappingWindow(t *testing.T) {
	q := NewQuietHours(12, 14, "UTC")
	at := func(h int) time.Time { return time.Date(2026, 3, 1, h, 0, 0, 0, time.UTC) }

	require.True(t, q.Active("UTC", at(12)))
	require.True(t, q.Active("UTC", at(13)))
	require.False(t, q.Active("UTC", at(14)))
	require.False(t, q.Active("UTC", at(11)))
	require.False(t, NewQuietHours(5, 5, "UTC").Active("UTC", at(5)))
}

func TestNewSendLimiter(t *testing.T) {
	l := NewSendLimiter(0)
	require.Equal(t, rate.Limit(DefaultRatePerSec), l.Limit())
	require.Equal(t, DefaultRatePerSec, l.Burst())

	l = NewSendLimiter(5)
	require.Equal(t, rate.Limit(5), l.Limit())
	require.Equal(t, 5, l.Burst())
}

func TestProcessRate(t *testing.T) {
	require.Equal(t, 100, ProcessRate(100, 1))
	require.Equal(t, 100, ProcessRate(100, 0))
	require.Equal(t, 25, ProcessRate(100, 4))
	require.Equal(t, 33, ProcessRate(100, 3))
	require.Equal(t, DefaultRatePerSec/2, ProcessRate(0, 2))
	require.Equal(t, 1, ProcessRate(2, 5))

	// three replicas at 33/s stay under the 100/s ceiling
	require.LessOrEqual(t, 3*ProcessRate(100, 3), 100)
}

// Package policy holds the pure send-time decisions: whether a recipient is
// inside the quiet-hours window and how fast the pool may send.
package policy

import (
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

const (
	DefaultTimezone  = "America/Chicago"
	DefaultStartHour = 21
	DefaultEndHour   = 8
)

// fixedCentral is used only when the tz database cannot resolve the
// fallback zone.
var fixedCentral = time.FixedZone("CST", -6*60*60)

var locations sync.Map

func loadLocation(name string) (*time.Location, bool) {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	locations.Store(name, loc)
	return loc, true
}

// QuietHours is the local-time window [Start, End) during which marketing
// sends are not allowed. Start > End wraps midnight.
type QuietHours struct {
	Start    int
	End      int
	Fallback *time.Location
}

func NewQuietHours(start, end int, fallback string) QuietHours {
	q := QuietHours{Start: start, End: end, Fallback: fixedCentral}
	if loc, ok := loadLocation(fallback); ok {
		q.Fallback = loc
	}
	return q
}

// DefaultQuietHours is 21:00 to 08:00, falling back to America/Chicago.
func DefaultQuietHours() QuietHours {
	return NewQuietHours(DefaultStartHour, DefaultEndHour, DefaultTimezone)
}

// Location resolves tz, using the fallback zone for empty or unknown names.
func (q QuietHours) Location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz != "" {
		if loc, ok := loadLocation(tz); ok {
			return loc
		}
	}
	if q.Fallback != nil {
		return q.Fallback
	}
	return fixedCentral
}

func (q QuietHours) inWindow(hour int) bool {
	if q.Start == q.End {
		return false
	}
	if q.Start > q.End {
		return hour >= q.Start || hour < q.End
	}
	return hour >= q.Start && hour < q.End
}

// Active reports whether now, in the recipient's zone, is inside the window.
func (q QuietHours) Active(tz string, now time.Time) bool {
	return q.inWindow(now.In(q.Location(tz)).Hour())
}

// Remaining is the time until the window closes, zero outside it.
func (q QuietHours) Remaining(tz string, now time.Time) time.Duration {
	local := now.In(q.Location(tz))
	if !q.inWindow(local.Hour()) {
		return 0
	}
	end := time.Date(local.Year(), local.Month(), local.Day(), q.End, 0, 0, 0, local.Location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end.Sub(local)
}

// IsQuietHours applies the default window.
func IsQuietHours(tz string, now time.Time) bool {
	return DefaultQuietHours().Active(tz, now)
}

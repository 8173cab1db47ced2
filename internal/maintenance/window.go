// Package maintenance implements the maintenance-window gate that decides
// whether disruptive remediation is allowed to run right now (spec §4.3).
package maintenance

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var windowPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)-([01]\d|2[0-3]):([0-5]\d)$`)

// Window is a UTC time-of-day range, e.g. "02:00-04:00". It may cross
// midnight (e.g. "22:00-02:00").
type Window struct {
	startMin int // minutes since midnight UTC
	endMin   int
}

// Parse validates and parses an "HH:MM-HH:MM" string.
func Parse(s string) (Window, error) {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return Window{}, fmt.Errorf("maintenance window %q does not match HH:MM-HH:MM", s)
	}
	startMin := atoiMust(m[1])*60 + atoiMust(m[2])
	endMin := atoiMust(m[3])*60 + atoiMust(m[4])
	return Window{startMin: startMin, endMin: endMin}, nil
}

func atoiMust(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// InWindow reports whether t, interpreted in UTC, falls inside the window.
// The interval is half-open: the start minute is included, the end minute
// is not. A zero-length window (start == end) never contains any instant.
func (w Window) InWindow(t time.Time) bool {
	if w.startMin == w.endMin {
		return false
	}

	u := t.UTC()
	minuteOfDay := u.Hour()*60 + u.Minute()

	if w.startMin < w.endMin {
		return minuteOfDay >= w.startMin && minuteOfDay < w.endMin
	}
	// Crosses midnight: in-window iff at or after start, or before end.
	return minuteOfDay >= w.startMin || minuteOfDay < w.endMin
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.startMin/60, w.startMin%60, w.endMin/60, w.endMin%60)
}

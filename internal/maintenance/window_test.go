package maintenance

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) Window {
	t.Helper()
	w, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return w
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "2:00-4:00", "02:00 04:00", "25:00-04:00", "02:00-04:61"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("expected error parsing %q", s)
		}
	}
}

func TestInWindowSimpleRange(t *testing.T) {
	w := mustParse(t, "02:00-04:00")
	day := func(h, m int) time.Time { return time.Date(2026, 1, 1, h, m, 0, 0, time.UTC) }

	if !w.InWindow(day(2, 0)) {
		t.Error("expected in_window(start) == true")
	}
	if !w.InWindow(day(3, 30)) {
		t.Error("expected 03:30 inside window")
	}
	if w.InWindow(day(4, 0)) {
		t.Error("expected in_window(end) == false")
	}
	if w.InWindow(day(1, 59)) {
		t.Error("expected before window to be false")
	}
}

func TestInWindowCrossesMidnight(t *testing.T) {
	w := mustParse(t, "22:00-02:00")
	day := func(h, m int) time.Time { return time.Date(2026, 1, 1, h, m, 0, 0, time.UTC) }

	if !w.InWindow(day(23, 0)) {
		t.Error("expected 23:00 inside midnight-crossing window")
	}
	if !w.InWindow(day(1, 0)) {
		t.Error("expected 01:00 inside midnight-crossing window")
	}
	if !w.InWindow(day(22, 0)) {
		t.Error("expected in_window(start) == true")
	}
	if w.InWindow(day(2, 0)) {
		t.Error("expected in_window(end) == false")
	}
	if w.InWindow(day(12, 0)) {
		t.Error("expected midday to be outside midnight-crossing window")
	}
}

func TestInWindowZeroLengthAlwaysFalse(t *testing.T) {
	w := mustParse(t, "03:00-03:00")
	day := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if w.InWindow(day) {
		t.Error("zero-length window must never be in-window")
	}
}

func TestInWindowConvertsToUTC(t *testing.T) {
	w := mustParse(t, "02:00-04:00")
	loc := time.FixedZone("UTC-5", -5*60*60)
	// 22:30 in UTC-5 == 03:30 UTC, inside the window.
	local := time.Date(2026, 1, 1, 22, 30, 0, 0, loc)
	if !w.InWindow(local) {
		t.Error("expected non-UTC time to be converted before comparison")
	}
}

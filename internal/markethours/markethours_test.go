package markethours

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func ny(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, NewYork)
	if err != nil {
		panic(err)
	}
	return t
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		at   string
		open bool
	}{
		{"2026-10-19 09:29", false},
		{"2026-10-19 09:30", true},
		{"2026-10-19 15:59", true},
		{"2026-10-19 16:00", false},
		{"2026-10-17 12:00", false}, // Saturday
		{"2026-11-26 12:00", false}, // Thanksgiving
		{"2026-07-03 12:00", false}, // Independence Day observed
	}
	for _, tc := range tests {
		t.Run(tc.at, func(t *testing.T) {
			if got := IsMarketOpen(ny(tc.at)); got != tc.open {
				t.Errorf("IsMarketOpen(%s) = %v, want %v", tc.at, got, tc.open)
			}
		})
	}
}

func TestIsMarketOpen_UTCInput(t *testing.T) {
	// 14:00 UTC is 10:00 EDT
	if !IsMarketOpen(time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)) {
		t.Error("expected open at 14:00 UTC in October")
	}
}

func TestNextOpen(t *testing.T) {
	tests := []struct {
		at, want string
	}{
		{"2026-10-19 08:00", "2026-10-19 09:30"}, // same day
		{"2026-10-19 17:00", "2026-10-20 09:30"}, // after close
		{"2026-10-16 17:00", "2026-10-19 09:30"}, // Friday evening
		{"2026-11-25 17:00", "2026-11-27 09:30"}, // skips Thanksgiving
	}
	for _, tc := range tests {
		t.Run(tc.at, func(t *testing.T) {
			if got := NextOpen(ny(tc.at)); !got.Equal(ny(tc.want)) {
				t.Errorf("NextOpen(%s) = %s, want %s", tc.at, got.In(NewYork).Format("2006-01-02 15:04"), tc.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	if s := StatusString(ny("2026-10-19 15:00")); s != "open, closes in 1h0m" {
		t.Errorf("open status = %q", s)
	}
	if s := StatusString(ny("2026-10-16 17:00")); !strings.HasPrefix(s, "closed, opens Mon 09:30 ET") {
		t.Errorf("closed status = %q", s)
	}
}

func TestHolidayCalendarCoverage(t *testing.T) {
	for _, d := range []string{"2026-01-01", "2027-12-24"} {
		if !IsHoliday(ny(d + " 12:00")) {
			t.Errorf("%s should be a holiday", d)
		}
	}
	if !HolidaysKnown(LastHolidayYear) || HolidaysKnown(LastHolidayYear+1) {
		t.Errorf("coverage boundary wrong at %d", LastHolidayYear)
	}
	for d := range nyseHolidays {
		if y, _ := strconv.Atoi(d[:4]); y > LastHolidayYear {
			t.Errorf("%s listed past LastHolidayYear", d)
		}
	}
	// Past the table, lookups still answer.
	if IsHoliday(ny("2028-12-25 12:00")) {
		t.Error("uncovered year reported a holiday")
	}
}

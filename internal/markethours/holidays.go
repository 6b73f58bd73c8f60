package markethours

import (
	"log/slog"
	"sync"
	"time"
)

// LastHolidayYear is the last year nyseHolidays covers. Add the next
// year's NYSE calendar before it starts.
const LastHolidayYear = 2027

var pastCalendar sync.Once

// Full-day NYSE closures, observed dates. Early closes trade as normal days.
var nyseHolidays = map[string]bool{
	// 2026
	"2026-01-01": true, // New Year's Day
	"2026-01-19": true, // Martin Luther King Jr. Day
	"2026-02-16": true, // Washington's Birthday
	"2026-04-03": true, // Good Friday
	"2026-05-25": true, // Memorial Day
	"2026-06-19": true, // Juneteenth
	"2026-07-03": true, // Independence Day (observed)
	"2026-09-07": true, // Labor Day
	"2026-11-26": true, // Thanksgiving
	"2026-12-25": true, // Christmas

	// 2027
	"2027-01-01": true,
	"2027-01-18": true,
	"2027-02-15": true,
	"2027-03-26": true,
	"2027-05-31": true,
	"2027-06-18": true,
	"2027-07-05": true,
	"2027-09-06": true,
	"2027-11-25": true,
	"2027-12-24": true,
}

// IsHoliday returns true if t's New York date is an exchange holiday.
// Dates past LastHolidayYear are never holidays; the first such lookup
// logs a warning.
func IsHoliday(t time.Time) bool {
	local := t.In(NewYork)
	if !HolidaysKnown(local.Year()) {
		pastCalendar.Do(func() {
			slog.Warn("holiday calendar exhausted, treating holidays as trading days",
				"year", local.Year(), "last_year", LastHolidayYear)
		})
	}
	return nyseHolidays[local.Format("2006-01-02")]
}

// HolidaysKnown reports whether the holiday table covers year.
func HolidaysKnown(year int) bool {
	return year <= LastHolidayYear
}

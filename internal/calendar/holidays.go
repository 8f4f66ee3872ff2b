package calendar

// Exchange holidays for 2025-2026, weekdays only. Weekend dates are omitted
// because the weekday check already excludes them.

var cnHolidays = map[string]bool{
	// 2025
	"2025-01-01": true, // New Year
	"2025-01-28": true, // Spring Festival
	"2025-01-29": true,
	"2025-01-30": true,
	"2025-01-31": true,
	"2025-02-03": true,
	"2025-02-04": true,
	"2025-04-04": true, // Qingming
	"2025-05-01": true, // Labour Day
	"2025-05-02": true,
	"2025-05-05": true,
	"2025-06-02": true, // Dragon Boat
	"2025-10-01": true, // National Day / Mid-Autumn
	"2025-10-02": true,
	"2025-10-03": true,
	"2025-10-06": true,
	"2025-10-07": true,
	"2025-10-08": true,
	// 2026
	"2026-01-01": true,
	"2026-01-02": true,
	"2026-02-16": true, // Spring Festival
	"2026-02-17": true,
	"2026-02-18": true,
	"2026-02-19": true,
	"2026-02-20": true,
	"2026-04-06": true, // Qingming (observed)
	"2026-05-01": true,
	"2026-05-04": true,
	"2026-05-05": true,
	"2026-06-19": true, // Dragon Boat
	"2026-09-25": true, // Mid-Autumn
	"2026-10-01": true, // National Day
	"2026-10-02": true,
	"2026-10-05": true,
	"2026-10-06": true,
	"2026-10-07": true,
}

var hkHolidays = map[string]bool{
	// 2025
	"2025-01-01": true,
	"2025-01-29": true, // Lunar New Year
	"2025-01-30": true,
	"2025-01-31": true,
	"2025-04-04": true, // Ching Ming
	"2025-04-18": true, // Good Friday
	"2025-04-21": true, // Easter Monday
	"2025-05-01": true,
	"2025-05-05": true, // Buddha's Birthday
	"2025-07-01": true, // HKSAR Establishment Day
	"2025-10-01": true,
	"2025-10-07": true, // Day after Mid-Autumn
	"2025-10-29": true, // Chung Yeung
	"2025-12-25": true,
	"2025-12-26": true,
	// 2026
	"2026-01-01": true,
	"2026-02-17": true, // Lunar New Year
	"2026-02-18": true,
	"2026-02-19": true,
	"2026-04-03": true, // Good Friday
	"2026-04-06": true, // Easter Monday / Ching Ming observed
	"2026-04-07": true,
	"2026-05-01": true,
	"2026-05-25": true, // Buddha's Birthday
	"2026-07-01": true,
	"2026-10-01": true,
	"2026-10-19": true, // Chung Yeung
	"2026-12-25": true,
}

var usHolidays = map[string]bool{
	// 2025
	"2025-01-01": true, // New Year's Day
	"2025-01-20": true, // Martin Luther King Jr. Day
	"2025-02-17": true, // Presidents' Day
	"2025-04-18": true, // Good Friday
	"2025-05-26": true, // Memorial Day
	"2025-06-19": true, // Juneteenth
	"2025-07-04": true, // Independence Day
	"2025-09-01": true, // Labor Day
	"2025-11-27": true, // Thanksgiving
	"2025-12-25": true, // Christmas
	// 2026
	"2026-01-01": true,
	"2026-01-19": true,
	"2026-02-16": true,
	"2026-04-03": true,
	"2026-05-25": true,
	"2026-06-19": true,
	"2026-07-03": true, // Independence Day (observed)
	"2026-09-07": true,
	"2026-11-26": true,
	"2026-12-25": true,
}

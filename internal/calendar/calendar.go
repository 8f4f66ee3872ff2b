// Package calendar decides whether a market trades on a given date.
package calendar

import (
	"time"

	"github.com/minglu/stockintel/internal/domain"
)

// MarketCalendar holds the day-level trading calendar for one exchange
// region. Weekends are always closed; Holidays lists closed weekdays as
// YYYY-MM-DD strings in the exchange timezone.
type MarketCalendar struct {
	Market   domain.Market
	Timezone string
	Holidays map[string]bool
}

// IsTradingDay reports whether the given date is a trading day. It is a
// pure function of the date and the calendar tables.
func (c *MarketCalendar) IsTradingDay(date time.Time) bool {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := date.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	return !c.Holidays[local.Format("2006-01-02")]
}

// Gate answers "should this ticker be analyzed today". Unrecognized markets
// fail open: a ticker whose market cannot be inferred is always analyzed.
type Gate struct {
	enabled   bool
	calendars map[domain.Market]*MarketCalendar
}

// NewGate builds a gate with the built-in CN/HK/US calendars. When enabled
// is false every check passes.
func NewGate(enabled bool) *Gate {
	return &Gate{
		enabled: enabled,
		calendars: map[domain.Market]*MarketCalendar{
			domain.MarketCN: {Market: domain.MarketCN, Timezone: "Asia/Shanghai", Holidays: cnHolidays},
			domain.MarketHK: {Market: domain.MarketHK, Timezone: "Asia/Hong_Kong", Holidays: hkHolidays},
			domain.MarketUS: {Market: domain.MarketUS, Timezone: "America/New_York", Holidays: usHolidays},
		},
	}
}

// ShouldRun reports whether the ticker's market trades on the given date.
func (g *Gate) ShouldRun(ticker string, now time.Time) bool {
	if !g.enabled {
		return true
	}
	market := domain.InferMarket(ticker)
	cal, ok := g.calendars[market]
	if !ok {
		return true
	}
	return cal.IsTradingDay(now)
}

// MarketOpen reports whether a specific market trades on the given date.
func (g *Gate) MarketOpen(market domain.Market, now time.Time) bool {
	if !g.enabled {
		return true
	}
	cal, ok := g.calendars[market]
	if !ok {
		return true
	}
	return cal.IsTradingDay(now)
}

// Partition splits tickers into runnable and skipped sets for the date.
func (g *Gate) Partition(tickers []string, now time.Time) (run, skip []string) {
	for _, t := range tickers {
		if g.ShouldRun(t, now) {
			run = append(run, t)
		} else {
			skip = append(skip, t)
		}
	}
	return run, skip
}

// EffectiveReviewRegion reduces the configured market-review region against
// the set of open markets. It returns an empty string when every relevant
// market is closed, meaning no review should run.
func (g *Gate) EffectiveReviewRegion(region string, now time.Time) string {
	cnOpen := g.MarketOpen(domain.MarketCN, now)
	usOpen := g.MarketOpen(domain.MarketUS, now)

	switch region {
	case "cn":
		if cnOpen {
			return "cn"
		}
	case "us":
		if usOpen {
			return "us"
		}
	case "both":
		switch {
		case cnOpen && usOpen:
			return "both"
		case cnOpen:
			return "cn"
		case usOpen:
			return "us"
		}
	}
	return ""
}

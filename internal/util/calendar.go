package util

import (
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"quantfolio/internal/domain"

	_ "time/tzdata" // Exchange time zones must resolve on hosts without zoneinfo.
)

// session is a trading session as offsets from local midnight.
type session struct {
	open, close time.Duration
}

func hm(h, m int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

// TradingCalendar provides market-hours awareness for a specific market.
// Regular hours apply to every weekday unless overridden by a loaded session
// table or marked as a holiday.
type TradingCalendar struct {
	market   domain.Market
	loc      *time.Location
	sessions []session

	mu        sync.RWMutex
	overrides map[string]session // date -> session
	holidays  map[string]bool
}

// NewTradingCalendar creates a TradingCalendar for the given market: NYSE
// regular hours for US, SSE morning and afternoon sessions for CN.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	tc := &TradingCalendar{
		market:    market,
		overrides: make(map[string]session),
		holidays:  make(map[string]bool),
	}
	switch market {
	case domain.MarketCN:
		tc.loc = mustLocation("Asia/Shanghai", 8)
		tc.sessions = []session{{hm(9, 30), hm(11, 30)}, {hm(13, 0), hm(15, 0)}}
	default:
		tc.loc = mustLocation("America/New_York", -5)
		tc.sessions = []session{{hm(9, 30), hm(16, 0)}}
	}
	return tc
}

func mustLocation(name string, fallbackHours int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, fallbackHours*3600)
	}
	return loc
}

// Market returns the market this calendar describes.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SetHoliday marks date (YYYY-MM-DD, exchange local) as closed.
func (tc *TradingCalendar) SetHoliday(date string) {
	tc.mu.Lock()
	tc.holidays[date] = true
	tc.mu.Unlock()
}

// SetSession overrides the hours of date with a single open-close session,
// given as "15:04" exchange-local times.
func (tc *TradingCalendar) SetSession(date, open, close string) error {
	o, err := time.Parse("15:04", open)
	if err != nil {
		return fmt.Errorf("parsing open %q: %w", open, err)
	}
	c, err := time.Parse("15:04", close)
	if err != nil {
		return fmt.Errorf("parsing close %q: %w", close, err)
	}
	tc.mu.Lock()
	tc.overrides[date] = session{hm(o.Hour(), o.Minute()), hm(c.Hour(), c.Minute())}
	delete(tc.holidays, date)
	tc.mu.Unlock()
	return nil
}

// daySessions returns the absolute sessions of the local day containing t.
func (tc *TradingCalendar) daySessions(t time.Time) [][2]time.Time {
	local := t.In(tc.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	date := midnight.Format("2006-01-02")

	tc.mu.RLock()
	override, hasOverride := tc.overrides[date]
	holiday := tc.holidays[date]
	tc.mu.RUnlock()

	if holiday {
		return nil
	}
	sessions := tc.sessions
	if hasOverride {
		sessions = []session{override}
	} else if wd := midnight.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return nil
	}

	out := make([][2]time.Time, len(sessions))
	for i, s := range sessions {
		out[i] = [2]time.Time{midnight.Add(s.open), midnight.Add(s.close)}
	}
	return out
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	for _, s := range tc.daySessions(t) {
		if !t.Before(s[0]) && t.Before(s[1]) {
			return true
		}
	}
	return false
}

// IsOpen is IsMarketOpen.
func (tc *TradingCalendar) IsOpen(t time.Time) bool { return tc.IsMarketOpen(t) }

// NextOpen returns the first session open strictly after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	return tc.next(t, 0)
}

// NextClose returns the first session close strictly after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	return tc.next(t, 1)
}

// DayClose returns the end of the last session of the trading day that is in
// progress or next to come at t. Unlike NextClose it skips intraday breaks.
func (tc *TradingCalendar) DayClose(t time.Time) time.Time {
	day := t.In(tc.loc)
	for i := 0; i < 30; i++ {
		if ss := tc.daySessions(day); len(ss) > 0 {
			if end := ss[len(ss)-1][1]; end.After(t) {
				return end
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 12, 0, 0, 0, tc.loc)
	}
	return time.Time{}
}

func (tc *TradingCalendar) next(t time.Time, edge int) time.Time {
	day := t.In(tc.loc)
	for i := 0; i < 30; i++ {
		for _, s := range tc.daySessions(day) {
			if s[edge].After(t) {
				return s[edge]
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 12, 0, 0, 0, tc.loc)
	}
	return time.Time{}
}

// LoadAlpacaCalendar replaces the hours of every day in [start, end] with the
// sessions published by the Alpaca calendar API. Days the API omits are
// marked as holidays.
func (tc *TradingCalendar) LoadAlpacaCalendar(client *alpaca.Client, start, end time.Time) error {
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return fmt.Errorf("GetCalendar: %w", err)
	}

	open := make(map[string]bool, len(days))
	for _, d := range days {
		if err := tc.SetSession(d.Date, d.Open, d.Close); err != nil {
			return fmt.Errorf("calendar day %s: %w", d.Date, err)
		}
		open[d.Date] = true
	}
	for d := start.In(tc.loc); !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday && !open[date] {
			tc.SetHoliday(date)
		}
	}
	return nil
}

// Calendars holds one TradingCalendar per market.
type Calendars map[domain.Market]*TradingCalendar

// NewCalendars builds calendars for the given markets.
func NewCalendars(markets ...domain.Market) Calendars {
	out := make(Calendars, len(markets))
	for _, m := range markets {
		out[m] = NewTradingCalendar(m)
	}
	return out
}

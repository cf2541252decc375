// Package markethours describes when a market trades: its time zone, daily
// opening time, session length, weekend and holiday rules. The indicator
// engine takes the ORB day boundary and the 24h-change lookback from here.
package markethours

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"chartfeed/config"
	"chartfeed/internal/indicator"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

const dateLayout = "2006-01-02"

// Calendar is a single daily session. A zero SessionMinutes (or 1440) means
// the market trades round the clock.
type Calendar struct {
	Location       *time.Location
	OpenHour       int
	OpenMinute     int
	SessionMinutes int
	WeekdaysOnly   bool

	holidays map[string]bool
}

// TwentyFourSeven returns a calendar for markets that never close (crypto,
// and FX when weekends are ignored).
func TwentyFourSeven() *Calendar {
	return &Calendar{Location: time.UTC}
}

// NSE returns the National Stock Exchange cash session: 9:15 to 15:30 IST,
// Monday to Friday, with the 2026 holiday list.
func NSE() *Calendar {
	c := &Calendar{Location: IST, OpenHour: 9, OpenMinute: 15, SessionMinutes: 375, WeekdaysOnly: true}
	for _, h := range nseHolidays2026 {
		c.addHoliday(time.Date(2026, h.month, h.day, 0, 0, 0, 0, IST))
	}
	return c
}

var nseHolidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},
	{time.February, 17},
	{time.March, 14},
	{time.March, 31},
	{time.April, 2},
	{time.April, 6},
	{time.April, 10},
	{time.April, 14},
	{time.May, 1},
	{time.June, 7},
	{time.July, 6},
	{time.August, 15},
	{time.August, 16},
	{time.September, 5},
	{time.October, 2},
	{time.October, 20},
	{time.October, 21},
	{time.November, 5},
	{time.November, 6},
	{time.November, 7},
	{time.November, 19},
	{time.December, 25},
}

// New builds a calendar from configuration. Location may be an IANA name,
// "IST", or "NSE" for the built-in exchange calendar.
func New(cfg config.MarketConfig) (*Calendar, error) {
	if strings.EqualFold(cfg.Location, "NSE") {
		c := NSE()
		return c, c.AddHolidays(cfg.Holidays...)
	}
	loc, err := loadLocation(cfg.Location)
	if err != nil {
		return nil, err
	}
	h, m, err := parseClock(cfg.Open)
	if err != nil {
		return nil, err
	}
	if cfg.SessionMinutes < 0 || cfg.SessionMinutes > 1440 {
		return nil, fmt.Errorf("markethours: session minutes out of range: %d", cfg.SessionMinutes)
	}
	c := &Calendar{
		Location:       loc,
		OpenHour:       h,
		OpenMinute:     m,
		SessionMinutes: cfg.SessionMinutes,
		WeekdaysOnly:   cfg.WeekdaysOnly,
	}
	return c, c.AddHolidays(cfg.Holidays...)
}

func loadLocation(name string) (*time.Location, error) {
	switch strings.ToUpper(name) {
	case "", "UTC":
		return time.UTC, nil
	case "IST":
		return IST, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("markethours: load location %q: %w", name, err)
	}
	return loc, nil
}

// parseClock parses "HH:MM".
func parseClock(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("markethours: bad opening time %q", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("markethours: bad opening time %q", s)
	}
	return h, m, nil
}

// AddHolidays marks dates ("2006-01-02", calendar-local) as closed.
func (c *Calendar) AddHolidays(dates ...string) error {
	for _, d := range dates {
		t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(d), c.loc())
		if err != nil {
			return fmt.Errorf("markethours: bad holiday %q: %w", d, err)
		}
		c.addHoliday(t)
	}
	return nil
}

func (c *Calendar) addHoliday(t time.Time) {
	if c.holidays == nil {
		c.holidays = make(map[string]bool)
	}
	c.holidays[t.In(c.loc()).Format(dateLayout)] = true
}

func (c *Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c *Calendar) session() time.Duration {
	if c.SessionMinutes == 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.SessionMinutes) * time.Minute
}

// RoundTheClock reports whether the session spans the whole day.
func (c *Calendar) RoundTheClock() bool {
	return c.session() >= 24*time.Hour
}

// IsHoliday reports whether t's local date is a listed holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(c.loc()).Format(dateLayout)]
}

// IsTradingDay reports whether the market opens on t's local date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	lt := t.In(c.loc())
	if c.WeekdaysOnly {
		if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	return !c.IsHoliday(lt)
}

// SessionOpen returns the opening time on t's local date.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	lt := t.In(c.loc())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.OpenHour, c.OpenMinute, 0, 0, c.loc())
}

// SessionClose returns the closing time of the session opening on t's date.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	return c.SessionOpen(t).Add(c.session())
}

// IsOpen reports whether the market trades at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	if c.RoundTheClock() {
		return true
	}
	open := c.SessionOpen(t)
	return !t.Before(open) && t.Before(open.Add(c.session()))
}

// NextOpen returns the next session open at or after t. If t is before
// today's open on a trading day, returns today's open.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.loc())
	open := c.SessionOpen(lt)
	if lt.Before(open) && c.IsTradingDay(lt) {
		return open
	}
	d := lt.AddDate(0, 0, 1)
	for i := 0; i < 30; i++ {
		if c.IsTradingDay(d) {
			return c.SessionOpen(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return c.SessionOpen(lt.AddDate(0, 0, 1))
}

// BarsPerDay is the number of tf-second bars in one session, rounded up so
// a trailing partial bar counts. It is the lookback the 24h-change
// indicator uses when none is configured.
func (c *Calendar) BarsPerDay(tf int) int {
	if tf <= 0 {
		return 0
	}
	return int(math.Ceil(c.session().Seconds() / float64(tf)))
}

// Env returns the indicator environment for a timeframe.
func (c *Calendar) Env(tf int) indicator.Env {
	return indicator.Env{Location: c.loc(), BarsPerDay: c.BarsPerDay(tf)}
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsOpen(t) {
		if c.RoundTheClock() {
			return "Market Open"
		}
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(c.SessionClose(t).Sub(t)))
	}
	next := c.NextOpen(t)
	lt := next.In(c.loc())
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		lt.Weekday().String()[:3], lt.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

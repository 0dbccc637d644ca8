package markethours

import (
	"fmt"
	"time"
)

// Session describes when an exchange accepts trades: a daily window in the
// exchange time zone on trading weekdays, minus holidays. Open is inclusive
// and Close exclusive.
type Session struct {
	loc      *time.Location
	open     time.Duration // offset from local midnight
	close    time.Duration
	weekdays map[time.Weekday]bool
	holidays map[string]bool // YYYY-MM-DD in loc
	always   bool
	now      func() time.Time
}

type Option func(*Session)

// WithClock replaces the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithWeekdays overrides the default Monday to Friday week.
func WithWeekdays(days ...time.Weekday) Option {
	return func(s *Session) {
		s.weekdays = make(map[time.Weekday]bool, len(days))
		for _, d := range days {
			s.weekdays[d] = true
		}
	}
}

// WithHolidays marks dates (YYYY-MM-DD) as closed.
func WithHolidays(dates ...string) Option {
	return func(s *Session) {
		for _, d := range dates {
			s.holidays[d] = true
		}
	}
}

// New builds a session from "HH:MM" clock times. open == close means the
// market never closes, e.g. crypto.
func New(loc *time.Location, open, close string, opts ...Option) (*Session, error) {
	if loc == nil {
		loc = time.UTC
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	if c < o {
		return nil, fmt.Errorf("close %s is before open %s", close, open)
	}
	s := &Session{
		loc:      loc,
		open:     o,
		close:    c,
		holidays: make(map[string]bool),
		always:   o == c,
		now:      time.Now,
	}
	WithWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)(s)
	for _, opt := range opts {
		opt(s)
	}
	for d := range s.holidays {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
	}
	return s, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsMarketOpen reports whether the session is open now.
func (s *Session) IsMarketOpen() bool { return s.IsOpenAt(s.now()) }

func (s *Session) IsOpenAt(t time.Time) bool {
	if s.always {
		return true
	}
	lt := t.In(s.loc)
	if !s.weekdays[lt.Weekday()] || s.holidays[lt.Format(time.DateOnly)] {
		return false
	}
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
	off := lt.Sub(midnight)
	return off >= s.open && off < s.close
}

// TradingMinutes is the length of one session in minutes.
func (s *Session) TradingMinutes() int {
	if s.always {
		return 24 * 60
	}
	return int((s.close - s.open) / time.Minute)
}

func (s *Session) Location() *time.Location { return s.loc }

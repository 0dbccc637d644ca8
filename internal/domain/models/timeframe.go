package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe represents candle resolution buckets.
type Timeframe string

const (
	TF1Minute  Timeframe = "1minute"
	TF3Minute  Timeframe = "3minute"
	TF5Minute  Timeframe = "5minute"
	TF10Minute Timeframe = "10minute"
	TF15Minute Timeframe = "15minute"
	TF30Minute Timeframe = "30minute"
	TF60Minute Timeframe = "60minute"
	TF1Day     Timeframe = "1day"
)

var timeframeMinutes = map[Timeframe]int{
	TF1Minute:  1,
	TF3Minute:  3,
	TF5Minute:  5,
	TF10Minute: 10,
	TF15Minute: 15,
	TF30Minute: 30,
	TF60Minute: 60,
	TF1Day:     24 * 60,
}

var timeframeAliases = map[string]Timeframe{
	"minute": TF1Minute,
	"1m":     TF1Minute,
	"3m":     TF3Minute,
	"5m":     TF5Minute,
	"10m":    TF10Minute,
	"15m":    TF15Minute,
	"30m":    TF30Minute,
	"60m":    TF60Minute,
	"1h":     TF60Minute,
	"hour":   TF60Minute,
	"day":    TF1Day,
	"1d":     TF1Day,
}

// ParseTimeframe accepts canonical names ("15minute", "1day") and common aliases ("15m", "1h", "day").
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("timeframe is empty")
	}
	if tf := Timeframe(s); tf.IsValid() {
		return tf, nil
	}
	if tf, ok := timeframeAliases[s]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("unsupported timeframe: %s", s)
}

// MustTimeframe is ParseTimeframe for constants known at compile time.
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

// IsValid returns true if tf is a supported canonical timeframe.
func (tf Timeframe) IsValid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Minutes returns the candle length in minutes, 0 for unknown timeframes.
func (tf Timeframe) Minutes() int { return timeframeMinutes[tf] }

// Duration returns the candle length.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// IsIntraday reports whether candles are shorter than a session day.
func (tf Timeframe) IsIntraday() bool { return tf.IsValid() && tf != TF1Day }

// Floor returns the start of the candle containing t. Buckets are aligned to
// midnight in loc so that session-relative boundaries (09:15 IST on a
// 15minute timeframe) land on the wall clock the exchange uses.
func (tf Timeframe) Floor(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	if tf == TF1Day {
		return midnight
	}
	d := tf.Duration()
	if d <= 0 {
		return lt
	}
	off := lt.Sub(midnight)
	return midnight.Add(off - off%d)
}

// End returns the exclusive end of the candle that starts at start.
func (tf Timeframe) End(start time.Time) time.Time {
	if tf == TF1Day {
		return start.AddDate(0, 0, 1)
	}
	return start.Add(tf.Duration())
}

func (tf Timeframe) String() string { return string(tf) }

// UnmarshalText lets config files, env vars and JSON bodies use aliases.
func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// AllTimeframes returns every canonical timeframe, shortest first.
func AllTimeframes() []Timeframe {
	return []Timeframe{TF1Minute, TF3Minute, TF5Minute, TF10Minute, TF15Minute, TF30Minute, TF60Minute, TF1Day}
}

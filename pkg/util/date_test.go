package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UTC().Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Unix() != ts {
		t.Fatalf("unexpected unix %v", got.Unix())
	}
}

func TestParseTimeUnixMillis(t *testing.T) {
	want := time.Date(2024, 10, 10, 10, 10, 10, 250e6, time.UTC)
	got, ok := ParseTime(strconv.FormatInt(want.UnixMilli(), 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if !got.Equal(want) {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	if got := ParseTimeDefault("", def); !got.Equal(def) {
		t.Fatalf("expected default")
	}
	if got := ParseTimeDefault("yesterday", def); !got.Equal(def) {
		t.Fatalf("expected default for garbage input")
	}
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC, got %v %v", loc, err)
	}
	loc, err = LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, off := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
	if off != 5*3600+1800 {
		t.Fatalf("unexpected offset %d", off)
	}
}

func TestParseIntAndBoolDefault(t *testing.T) {
	if ParseIntDefault("42", 1) != 42 || ParseIntDefault("x", 7) != 7 || ParseIntDefault("", 3) != 3 {
		t.Fatalf("ParseIntDefault mismatch")
	}
	if !ParseBoolDefault("true", false) || ParseBoolDefault("nope", false) || !ParseBoolDefault("", true) {
		t.Fatalf("ParseBoolDefault mismatch")
	}
}

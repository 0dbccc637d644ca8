package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_NSEHours(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	s, err := New(ist, "09:15", "15:30", WithHolidays("2024-03-08"))
	require.NoError(t, err)

	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"before open", time.Date(2024, 3, 4, 9, 14, 59, 0, ist), false},
		{"at open", time.Date(2024, 3, 4, 9, 15, 0, 0, ist), true},
		{"midday utc input", time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC), true},
		{"last second", time.Date(2024, 3, 4, 15, 29, 59, 0, ist), true},
		{"at close", time.Date(2024, 3, 4, 15, 30, 0, 0, ist), false},
		{"saturday", time.Date(2024, 3, 9, 10, 0, 0, 0, ist), false},
		{"holiday", time.Date(2024, 3, 8, 10, 0, 0, 0, ist), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.open, s.IsOpenAt(tc.at))
		})
	}
	assert.Equal(t, 375, s.TradingMinutes())
}

func TestSession_AlwaysOpen(t *testing.T) {
	s, err := New(time.UTC, "00:00", "00:00", WithWeekdays(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday))
	require.NoError(t, err)
	assert.True(t, s.IsOpenAt(time.Date(2024, 3, 9, 3, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1440, s.TradingMinutes())
}

func TestSession_UsesClock(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	s, err := New(time.UTC, "09:00", "17:00", WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	assert.True(t, s.IsMarketOpen())
	now = now.Add(8 * time.Hour)
	assert.False(t, s.IsMarketOpen())
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New(time.UTC, "9am", "15:30")
	assert.Error(t, err)
	_, err = New(time.UTC, "15:30", "09:15")
	assert.Error(t, err)
	_, err = New(time.UTC, "09:15", "15:30", WithHolidays("08/03/2024"))
	assert.Error(t, err)
}

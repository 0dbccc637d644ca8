package repository

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	pkghttp "CandleFlow/pkg/http"
)

func TestHTTPStore_FetchRange(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/historical/NIFTY/15minute", r.URL.Path)
		assert.Equal(t, "2024-01-02 09:15:00", r.URL.Query().Get("from"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[
			["2024-01-02T09:15:00+0530", 100, 105, 99, 104, 1200],
			["2024-01-02T09:30:00+0530", 104, 106, 103, 105, null],
			["2024-01-02T09:45:00+0530", 105, 107, 104, 106]
		]}}`))
	}))
	defer srv.Close()

	s := NewHTTPStore(pkghttp.NewClient(pkghttp.WithBaseURL(srv.URL)), ist)
	start := time.Date(2024, 1, 2, 9, 15, 0, 0, ist)
	bars, err := s.FetchRange(context.Background(), "NIFTY", models.TF15Minute, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.True(t, bars[0].Timestamp.Equal(start))
	assert.Equal(t, 1200.0, bars[0].Volume)
	assert.True(t, math.IsNaN(bars[1].Volume))
	assert.True(t, math.IsNaN(bars[2].Volume))
	assert.Equal(t, 106.0, bars[2].Close)
}

func TestHTTPStore_FetchRangeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error","message":"token expired"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewHTTPStore(pkghttp.NewClient(pkghttp.WithBaseURL(srv.URL)), nil)
	_, err := s.FetchRange(context.Background(), "NIFTY", models.TF1Day, time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)

	_, err = s.FetchRange(context.Background(), "NIFTY", models.Timeframe("2minute"), time.Now(), time.Now())
	require.Error(t, err)
}

func TestHTTPStore_RejectsShortRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[[1704166500000, 1, 2]]}}`))
	}))
	defer srv.Close()

	s := NewHTTPStore(pkghttp.NewClient(pkghttp.WithBaseURL(srv.URL)), nil)
	_, err := s.FetchRange(context.Background(), "NIFTY", models.TF1Minute, time.Now(), time.Now())
	require.Error(t, err)
}

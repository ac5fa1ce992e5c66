package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ultralight/internal/kalman"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/recording"
)

func corridor(t0 time.Time) []ranging.Reading {
	var rs []ranging.Reading
	for i := 0; i < 60; i++ {
		r := ranging.Reading{Time: t0.Add(time.Duration(i) * 100 * time.Millisecond), Distance: 2.0 + 0.01*float64(i%3-1), Valid: true}
		switch {
		case i%10 == 9:
			r.Distance, r.Valid = 0, false
		case i >= 40 && i < 50:
			r.Distance = 0.7
		}
		rs = append(rs, r)
	}
	return rs
}

func TestFilterChannel(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	s, err := filterChannel(corridor(t0), kalman.DefaultConfig(), 20)
	require.NoError(t, err)

	assert.Len(t, s.filtered, 60)
	assert.Len(t, s.raw, 54)
	assert.Equal(t, 0.0, s.filtered[0].X)
	assert.InDelta(t, 5.9, s.filtered[59].X, 1e-9)

	assert.InDelta(t, 2.0, s.filtered[30].Y, 0.05)
	assert.Less(t, s.filtered[48].Y, 1.5, "filter follows the walk-through")
	for _, p := range s.filtered {
		assert.False(t, math.IsNaN(p.Y))
	}
}

func TestFilterChannelTooFew(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	_, err := filterChannel(corridor(t0)[:5], kalman.DefaultConfig(), 20)
	assert.ErrorIs(t, err, errTooFewSamples)

	_, err = filterChannel(corridor(t0), kalman.DefaultConfig(), 1)
	assert.ErrorIs(t, err, errTooFewSamples)
}

func TestPlotRecording(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	rec := recording.New()
	for _, r := range corridor(t0) {
		rec.Append("1", r)
		rec.Append("2", r)
	}
	dir := t.TempDir()

	files, err := plotRecording(rec, dir, kalman.DefaultConfig(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "ultrasound1.png"), filepath.Join(dir, "ultrasound2.png")}, files)
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	}
}

func TestPlotRecordingChannelError(t *testing.T) {
	rec := recording.New()
	rec.Append("3", ranging.Reading{Time: time.Unix(1, 0)})
	_, err := plotRecording(rec, t.TempDir(), kalman.DefaultConfig(), 10)
	assert.ErrorContains(t, err, "channel 3")
}

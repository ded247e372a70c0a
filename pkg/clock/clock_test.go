package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseTimestamp(t *testing.T) {
	dubai := mustZone(t, "Asia/Dubai")

	tests := []struct {
		name string
		in   string
		want string // expected in TimestampLayout, empty means parse error
	}{
		{"24 hour", "2024-01-01 22:00:00", "2024-01-01 22:00:00"},
		{"24 hour with comma", "2024-01-01, 22:00:00", "2024-01-01 22:00:00"},
		{"legacy pm", "2025-03-09, 9:05:07 p.m.", "2025-03-09 21:05:07"},
		{"legacy am", "2025-03-09, 9:05:07 a.m.", "2025-03-09 09:05:07"},
		{"legacy noon stays 12", "2025-03-09, 12:00:00 p.m.", "2025-03-09 12:00:00"},
		{"legacy midnight maps to 0", "2025-03-09, 12:00:00 a.m.", "2025-03-09 00:00:00"},
		{"legacy bare meridian", "2025-03-09 9:05:07 PM", "2025-03-09 21:05:07"},
		{"garbage", "not a timestamp", ""},
		{"date only", "2024-01-01", ""},
		{"legacy hour out of range", "2025-03-09, 13:05:07 p.m.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in, dubai)
			if tt.want == "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatTimestamp(got))
			assert.Equal(t, dubai, got.Location())
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	dubai := mustZone(t, "Asia/Dubai")
	orig := time.Date(2024, time.June, 15, 13, 45, 9, 0, dubai)
	parsed, err := ParseTimestamp(FormatTimestamp(orig), dubai)
	require.NoError(t, err)
	assert.True(t, orig.Equal(parsed))
}

func TestFakeClock(t *testing.T) {
	dubai := mustZone(t, "Asia/Dubai")
	start := time.Date(2024, time.January, 1, 22, 0, 0, 0, dubai)
	f := NewFake(start)

	assert.True(t, start.Equal(f.Now()))
	assert.Equal(t, "2024-01-01", f.Today())
	assert.Equal(t, dubai, f.Zone())

	f.Advance(4 * time.Hour)
	assert.Equal(t, "2024-01-02", f.Today())
	assert.Equal(t, "2024-01-02 02:00:00", FormatTimestamp(f.Now()))

	f.Set(start)
	assert.Equal(t, "2024-01-01", f.Today())
}

func TestWallZone(t *testing.T) {
	dubai := mustZone(t, "Asia/Dubai")
	w := NewWall(dubai)
	assert.Equal(t, dubai, w.Zone())
	assert.Equal(t, dubai, w.Now().Location())
	assert.Len(t, w.Today(), 10)
}

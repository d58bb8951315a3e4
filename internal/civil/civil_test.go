package civil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTodayUsesConfiguredZone(t *testing.T) {
	// 03:30 UTC on Jan 2 is still Jan 1 in Los Angeles.
	at := time.Date(2025, 1, 2, 3, 30, 0, 0, time.UTC)
	clock := NewFixedClock(at, "America/Los_Angeles")
	require.Equal(t, "2025-01-01", clock.Today())

	utc := NewFixedClock(at, "UTC")
	require.Equal(t, "2025-01-02", utc.Today())
}

func TestNewClockDefaultsZone(t *testing.T) {
	clock, err := NewClock("")
	require.NoError(t, err)
	require.Equal(t, DefaultZone, clock.Location().String())
}

func TestNewClockRejectsUnknownZone(t *testing.T) {
	_, err := NewClock("Not/AZone")
	require.Error(t, err)
}

func TestBefore(t *testing.T) {
	require.True(t, Before("", "2025-01-01"))
	require.True(t, Before("2024-12-31", "2025-01-01"))
	require.False(t, Before("2025-01-01", "2025-01-01"))
	require.False(t, Before("2025-01-02", "2025-01-01"))
}

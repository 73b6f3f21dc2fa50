package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestTimeLayouts(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-05-01T10:30",
		"2024-05-01T10:30:00",
		"2024-05-01T10:30:00Z",
		"2024-05-01T12:30:00+02:00",
		" 2024-05-01T10:30 ",
	} {
		got, err := ParseRequestTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed as %s", in, got)
		assert.Equal(t, time.UTC, got.Location(), in)
	}
}

func TestParseRequestTimeRejects(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2024-05-01", "01/05/2024 10:30"} {
		_, err := ParseRequestTime(in)
		assert.ErrorIs(t, err, ErrInvalidTimeRange, in)
	}
}

func TestParseTimeRange(t *testing.T) {
	tr, err := ParseTimeRange("2024-05-01T10:00", "2024-05-01T11:00")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, tr.End.Sub(tr.Start))

	_, err = ParseTimeRange("2024-05-01T11:00", "2024-05-01T10:00")
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	_, err = ParseTimeRange("2024-05-01T10:00", "2024-05-01T10:00")
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	_, err = ParseTimeRange("2024-05-01T10:00", "")
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
	assert.Contains(t, err.Error(), "endTime")
}

func TestTimeRangeValidateZero(t *testing.T) {
	assert.ErrorIs(t, TimeRange{}.Validate(), ErrInvalidTimeRange)
}

func TestDeviceClock(t *testing.T) {
	clock := DeviceClock{Offset: 2 * time.Hour}
	req := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "20240501T120000Z", clock.Compact(req))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), clock.ToDevice(req))
	assert.True(t, req.Equal(clock.FromDevice(clock.ToDevice(req))))

	// Crossing midnight shifts the date as well.
	late := time.Date(2024, 12, 31, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "20250101T013000Z", clock.Compact(late))

	assert.Equal(t, "20240501T100000Z", DeviceClock{}.Compact(req))
}

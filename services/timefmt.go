package services

import (
	"fmt"
	"strings"
	"time"
)

// deviceCompactLayout is the form RTSP playback URLs and archive names use.
const deviceCompactLayout = "20060102T150405Z"

var requestTimeLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseRequestTime accepts the timestamps browser date pickers send. Values
// without a zone are read as UTC.
func ParseRequestTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing time", ErrInvalidTimeRange)
	}
	for _, layout := range requestTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidTimeRange, s)
}

// TimeRange is a validated [Start, End) interval in request time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ParseTimeRange parses both bounds and requires start < end.
func ParseTimeRange(start, end string) (TimeRange, error) {
	s, err := ParseRequestTime(start)
	if err != nil {
		return TimeRange{}, fmt.Errorf("startTime: %w", err)
	}
	e, err := ParseRequestTime(end)
	if err != nil {
		return TimeRange{}, fmt.Errorf("endTime: %w", err)
	}
	r := TimeRange{Start: s, End: e}
	if err := r.Validate(); err != nil {
		return TimeRange{}, err
	}
	return r, nil
}

func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidTimeRange)
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidTimeRange,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// DeviceClock converts between request time and the NVR's clock, which runs
// on local wall time labelled as UTC.
type DeviceClock struct {
	Offset time.Duration
}

// ToDevice shifts a request time into the device frame.
func (c DeviceClock) ToDevice(t time.Time) time.Time {
	return t.UTC().Add(c.Offset)
}

// FromDevice undoes ToDevice, for times read back from search results.
func (c DeviceClock) FromDevice(t time.Time) time.Time {
	return t.UTC().Add(-c.Offset)
}

// Compact formats a request time as the device's YYYYMMDDTHHMMSSZ string.
func (c DeviceClock) Compact(t time.Time) string {
	return c.ToDevice(t).Format(deviceCompactLayout)
}

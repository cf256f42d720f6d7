package sensor

import (
	"fmt"
	"time"
)

// TimestampLayout is the wire format for all dataset timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// Dataset coverage window. Queries outside this window are rejected before
// they reach the dataset.
var (
	DatasetStart = time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	DatasetEnd   = time.Date(2022, time.June, 2, 0, 0, 0, 0, time.UTC)
)

// TimeRange is a validated [Start, End] window over the dataset.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ParseTimeRange parses and validates a start/end timestamp pair. Both bounds
// must use TimestampLayout, lie within the dataset coverage window, and
// satisfy Start <= End. Start == End is a valid instant query.
func ParseTimeRange(startStr, endStr string) (TimeRange, error) {
	start, err := time.Parse(TimestampLayout, startStr)
	if err != nil {
		return TimeRange{}, fmt.Errorf("invalid start_ts %q: expected format %s", startStr, TimestampLayout)
	}
	end, err := time.Parse(TimestampLayout, endStr)
	if err != nil {
		return TimeRange{}, fmt.Errorf("invalid end_ts %q: expected format %s", endStr, TimestampLayout)
	}

	if end.Before(start) {
		return TimeRange{}, fmt.Errorf("end_ts %s is before start_ts %s", endStr, startStr)
	}
	if start.Before(DatasetStart) || end.After(DatasetEnd) {
		return TimeRange{}, fmt.Errorf("requested range [%s, %s] is outside dataset coverage [%s, %s]",
			startStr, endStr,
			DatasetStart.Format(TimestampLayout), DatasetEnd.Format(TimestampLayout))
	}

	return TimeRange{Start: start, End: end}, nil
}

// StartString returns the start bound formatted in the dataset layout.
func (r TimeRange) StartString() string {
	return r.Start.Format(TimestampLayout)
}

// EndString returns the end bound formatted in the dataset layout.
func (r TimeRange) EndString() string {
	return r.End.Format(TimestampLayout)
}

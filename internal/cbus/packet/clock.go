package packet

import (
	"fmt"
	"time"
)

const (
	clockRequestCmd = 0x8D
	clockUpdateCmd  = 0x09
)

// ClockRequest asks the network for the current time.
type ClockRequest struct {
	App Application
}

func (ClockRequest) salApplication() Application { return Clock }

// ClockUpdate broadcasts the current date and time.
type ClockUpdate struct {
	App  Application
	When time.Time
}

func (ClockUpdate) salApplication() Application { return Clock }

// encodeClockValue renders When as year-high, year-low, month, day,
// day-of-week, hour, minute: a fixed 7-byte field.
func encodeClockValue(when time.Time) []byte {
	year := when.Year()
	return []byte{
		byte(year >> 8),
		byte(year),
		byte(when.Month()),
		byte(when.Day()),
		byte(when.Weekday()),
		byte(when.Hour()),
		byte(when.Minute()),
	}
}

func decodeClockValue(raw []byte) (time.Time, int, error) {
	if len(raw) < 7 {
		return time.Time{}, 0, fmt.Errorf("packet: truncated clock-update value")
	}
	year := int(raw[0])<<8 | int(raw[1])
	when := time.Date(year, time.Month(raw[2]), int(raw[3]), int(raw[5]), int(raw[6]), 0, 0, time.UTC)
	return when, 7, nil
}

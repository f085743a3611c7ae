package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// InterruptReason identifies why the sensor raised its interrupt line.
type InterruptReason uint8

const (
	ReasonNone      InterruptReason = 0x00
	ReasonNoise     InterruptReason = 0x01
	ReasonDisturber InterruptReason = 0x04
	ReasonLightning InterruptReason = 0x08
)

func (r InterruptReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoise:
		return "noise"
	case ReasonDisturber:
		return "disturber"
	case ReasonLightning:
		return "lightning"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(r))
	}
}

// ParseInterruptReason accepts a reason name or its register value in
// decimal or 0x-prefixed hex.
func ParseInterruptReason(s string) (InterruptReason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "none", "":
		return ReasonNone, nil
	case "noise":
		return ReasonNoise, nil
	case "disturber":
		return ReasonDisturber, nil
	case "lightning", "strike":
		return ReasonLightning, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return ReasonNone, fmt.Errorf("parse interrupt reason %q: %w", s, err)
	}
	r := InterruptReason(v)
	switch r {
	case ReasonNone, ReasonNoise, ReasonDisturber, ReasonLightning:
		return r, nil
	default:
		return ReasonNone, fmt.Errorf("parse interrupt reason %q: unknown value", s)
	}
}

// Distance is a sensor distance code in km.
type Distance int

const (
	// Overhead is reported when the storm is directly above the sensor.
	Overhead Distance = 1
	// OutOfRange is reported when the storm is beyond 40 km.
	OutOfRange Distance = 63
	// NoReading marks a detection whose distance register could not be read.
	NoReading Distance = -1
)

// distanceCodes are the banded estimates between Overhead and OutOfRange.
var distanceCodes = []Distance{5, 6, 8, 10, 12, 14, 17, 20, 24, 27, 31, 34, 37, 40}

// DistanceCodes returns the 14 banded distance codes in ascending order.
func DistanceCodes() []Distance {
	out := make([]Distance, len(distanceCodes))
	copy(out, distanceCodes)
	return out
}

// IsOutOfRange reports whether d should be tallied outside the rings.
func (d Distance) IsOutOfRange() bool {
	return d == OutOfRange || d == NoReading
}

// IsLegal reports whether d is a value the sensor can produce.
func (d Distance) IsLegal() bool {
	if d == Overhead || d.IsOutOfRange() {
		return true
	}
	for _, c := range distanceCodes {
		if c == d {
			return true
		}
	}
	return false
}

// ParseDistance parses a distance code. "-", "oor" and "out of range" map to
// OutOfRange.
func ParseDistance(s string) (Distance, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "-", "oor", "out of range", "none":
		return OutOfRange, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return NoReading, fmt.Errorf("parse distance %q: %w", s, err)
	}
	return Distance(v), nil
}

// NearestDistanceCode snaps a continuous distance to the code the sensor
// would most plausibly report for it.
func NearestDistanceCode(km float64) Distance {
	switch {
	case km > float64(distanceCodes[len(distanceCodes)-1]):
		return OutOfRange
	case km < 3:
		return Overhead
	}
	best := distanceCodes[0]
	for _, c := range distanceCodes[1:] {
		if math.Abs(float64(c)-km) < math.Abs(float64(best)-km) {
			best = c
		}
	}
	return best
}

// RawEvent is one interrupt (or fallback poll) as read from the sensor.
type RawEvent struct {
	Time     time.Time
	Reason   InterruptReason
	Energy   int
	Distance Distance
}

// Detection is a coalesced lightning detection. StrikeCount includes every
// interrupt folded into it during the dead time.
type Detection struct {
	Timestamp   time.Time
	Energy      int
	Distance    Distance
	StrikeCount int
}

// StormState is the lifecycle state of the storm tracker.
type StormState string

const (
	StormIdle   StormState = "idle"
	StormActive StormState = "active"
)

// StormStatus is a point-in-time view of the storm tracker.
type StormStatus struct {
	State         StormState `json:"state"`
	StormFirst    time.Time  `json:"storm_first,omitzero"`
	StormLast     time.Time  `json:"storm_last,omitzero"`
	PeriodStarted time.Time  `json:"period_started,omitzero"`
	WindowSize    int        `json:"window_size"`
	// StrikesSincePublish counts interrupts held in a detection that has not
	// been released yet.
	StrikesSincePublish int `json:"strikes_since_last_publish"`
	RingCount           int `json:"ring_count"`
}

package domain

import (
	"fmt"
	"math"
	"strconv"
)

const (
	MinRingCount = 3
	MaxRingCount = 7

	overheadKm = 5.0
	maxRangeKm = 40.0

	// OutOfRangeIndex is returned by RingIndexFor for strikes beyond the rings.
	OutOfRangeIndex = -1
)

// Unit is the display unit for ring bounds.
type Unit string

const (
	UnitKm Unit = "km"
	UnitMi Unit = "mi"
)

// ParseUnit accepts "km" or "mi".
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitKm, UnitMi:
		return Unit(s), nil
	default:
		return "", &ConfigError{Field: "distance unit", Value: s, Reason: "must be km or mi"}
	}
}

func (u Unit) multiplier() float64 {
	if u == UnitMi {
		return 0.621371
	}
	return 1.0
}

// Calibration is the ring lower-bound table for one ring count together with
// the lookup from distance code to ring index.
type Calibration struct {
	ringCount int
	bounds    []float64
	index     map[Distance]int
}

// NewCalibration builds the table for ringCount rings (3 to 7).
func NewCalibration(ringCount int) (*Calibration, error) {
	if ringCount < MinRingCount || ringCount > MaxRingCount {
		return nil, &ConfigError{
			Field:  "ring count",
			Value:  strconv.Itoa(ringCount),
			Reason: fmt.Sprintf("must be between %d and %d", MinRingCount, MaxRingCount),
		}
	}

	width := (maxRangeKm - overheadKm) / float64(ringCount)
	bounds := make([]float64, ringCount+1)
	for i := 1; i <= ringCount; i++ {
		bounds[i] = overheadKm + width*float64(i-1)
	}

	index := make(map[Distance]int, len(distanceCodes)+1)
	index[Overhead] = 0
	for _, code := range distanceCodes {
		ring := 0
		for i, lower := range bounds {
			// Tolerate float error where a bound lands exactly on a code.
			if lower > float64(code)+1e-9 {
				break
			}
			ring = i
		}
		index[code] = ring
	}

	return &Calibration{ringCount: ringCount, bounds: bounds, index: index}, nil
}

// RingCount returns the number of banded rings, excluding ring 0.
func (c *Calibration) RingCount() int { return c.ringCount }

// Bounds returns a copy of the ring lower bounds in km.
func (c *Calibration) Bounds() []float64 {
	out := make([]float64, len(c.bounds))
	copy(out, c.bounds)
	return out
}

// RingWidthKm returns the width of rings 1..N rounded to one decimal.
func (c *Calibration) RingWidthKm() float64 {
	return round1((maxRangeKm - overheadKm) / float64(c.ringCount))
}

// RingIndexFor maps a distance code to its ring. Out-of-range codes and
// missing readings return OutOfRangeIndex with a nil error.
func (c *Calibration) RingIndexFor(d Distance) (int, error) {
	if d.IsOutOfRange() {
		return OutOfRangeIndex, nil
	}
	ring, ok := c.index[d]
	if !ok {
		return OutOfRangeIndex, &ClassificationError{Distance: d}
	}
	return ring, nil
}

// DisplayRange returns ring i's bounds converted to unit.
func (c *Calibration) DisplayRange(i int, unit Unit) (from, to float64) {
	mult := unit.multiplier()
	from = c.bounds[i] * mult
	if i < c.ringCount {
		to = c.bounds[i+1]*mult - mult/10
	} else {
		to = maxRangeKm * mult
	}
	return round1(from), round1(to)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

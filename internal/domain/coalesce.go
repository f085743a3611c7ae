package domain

import "time"

// DeadTime is how long after an accepted lightning interrupt further
// interrupts are folded into the same detection.
const DeadTime = 3 * time.Second

// CoalesceDecision is the outcome of offering one interrupt to a Coalescer.
// Released is the previous detection, closed because this event fell outside
// its dead time.
type CoalesceDecision struct {
	Suppressed bool
	Released   *Detection
}

// Coalescer folds bursts of lightning interrupts into single detections.
// A detection stays open for the dead time after its first interrupt; it is
// released when a later interrupt opens a new one, or by Flush once the dead
// time has passed.
type Coalescer struct {
	deadTime time.Duration
	open     *Detection
}

// NewCoalescer returns a Coalescer with the given dead time. Non-positive
// values use DeadTime.
func NewCoalescer(deadTime time.Duration) *Coalescer {
	if deadTime <= 0 {
		deadTime = DeadTime
	}
	return &Coalescer{deadTime: deadTime}
}

// Accept offers a lightning interrupt.
func (c *Coalescer) Accept(ev RawEvent) CoalesceDecision {
	if c.open != nil && ev.Time.Sub(c.open.Timestamp) < c.deadTime {
		c.open.StrikeCount++
		return CoalesceDecision{Suppressed: true}
	}

	distance := ev.Distance
	if distance == NoReading {
		distance = OutOfRange
	}

	released := c.open
	c.open = &Detection{
		Timestamp:   ev.Time,
		Energy:      ev.Energy,
		Distance:    distance,
		StrikeCount: 1,
	}
	return CoalesceDecision{Released: released}
}

// Open returns when the open detection's first interrupt arrived.
func (c *Coalescer) Open() (time.Time, bool) {
	if c.open == nil {
		return time.Time{}, false
	}
	return c.open.Timestamp, true
}

// Pending returns how many interrupts the open detection holds. They are
// unpublished until the detection is released.
func (c *Coalescer) Pending() int {
	if c.open == nil {
		return 0
	}
	return c.open.StrikeCount
}

// Deadline returns when the open detection's dead time ends.
func (c *Coalescer) Deadline() (time.Time, bool) {
	if c.open == nil {
		return time.Time{}, false
	}
	return c.open.Timestamp.Add(c.deadTime), true
}

// Flush releases the open detection if its dead time has passed by now.
func (c *Coalescer) Flush(now time.Time) *Detection {
	if c.open == nil || now.Sub(c.open.Timestamp) < c.deadTime {
		return nil
	}
	return c.Drain()
}

// Drain releases the open detection regardless of time.
func (c *Coalescer) Drain() *Detection {
	d := c.open
	c.open = nil
	return d
}

package domain

import "time"

// SnapshotKind distinguishes the rolling current view from a closed period.
type SnapshotKind string

const (
	KindCurrent SnapshotKind = "current"
	KindPast    SnapshotKind = "past"
)

// Key returns the payload wrapper key for the kind.
func (k SnapshotKind) Key() string {
	if k == KindPast {
		return "prings"
	}
	return "crings"
}

// Ring is one distance band of a snapshot.
type Ring struct {
	StrikeCount int
	DistanceKm  float64
	DisplayFrom float64
	DisplayTo   float64
	Energy      int
}

// RingSnapshot is the binned view of a window at one instant.
type RingSnapshot struct {
	Kind      SnapshotKind
	Timestamp time.Time

	PeriodFirst time.Time
	PeriodLast  time.Time
	StormFirst  time.Time
	StormLast   time.Time

	PeriodMinutes   int
	EndStormMinutes int
	Units           Unit

	OutOfRange  int
	RingCount   int
	RingWidthKm float64
	Rings       []Ring
}

// TotalStrikes sums strike counts over all rings, excluding out-of-range.
func (s RingSnapshot) TotalStrikes() int {
	total := 0
	for _, r := range s.Rings {
		total += r.StrikeCount
	}
	return total
}

// SnapshotOptions carries the context a snapshot is reported in.
type SnapshotOptions struct {
	Now             time.Time
	Units           Unit
	PeriodMinutes   int
	EndStormMinutes int
	StormFirst      time.Time
	StormLast       time.Time
}

type ringTally struct {
	strikes     int
	totalEnergy int64
	samples     int
}

func (t ringTally) energy() int {
	if t.samples == 0 {
		return 0
	}
	return int(t.totalEnergy / int64(t.samples))
}

type tally struct {
	rings      []ringTally
	outOfRange int
	first      time.Time
	last       time.Time
}

// accumulate folds detections into per-ring totals. Codes the calibration
// rejects are tallied as out-of-range.
func accumulate(detections []Detection, cal *Calibration) tally {
	t := tally{rings: make([]ringTally, cal.RingCount()+1)}
	for i, d := range detections {
		if i == 0 {
			t.first = d.Timestamp
		}
		t.last = d.Timestamp

		ring, err := cal.RingIndexFor(d.Distance)
		if err != nil || ring == OutOfRangeIndex {
			t.outOfRange++
			continue
		}
		r := &t.rings[ring]
		r.strikes += d.StrikeCount
		r.totalEnergy += int64(d.Energy)
		r.samples++
	}
	return t
}

// BuildSnapshot bins detections into rings. Each ring's energy is the
// truncated mean over the detections that landed in it. The result depends
// only on the arguments.
func BuildSnapshot(kind SnapshotKind, detections []Detection, cal *Calibration, opts SnapshotOptions) RingSnapshot {
	t := accumulate(detections, cal)

	units := opts.Units
	if units == "" {
		units = UnitKm
	}

	rings := make([]Ring, len(t.rings))
	for i, rt := range t.rings {
		from, to := cal.DisplayRange(i, units)
		rings[i] = Ring{
			StrikeCount: rt.strikes,
			DistanceKm:  round1(cal.bounds[i]),
			DisplayFrom: from,
			DisplayTo:   to,
			Energy:      rt.energy(),
		}
	}

	return RingSnapshot{
		Kind:            kind,
		Timestamp:       opts.Now,
		PeriodFirst:     t.first,
		PeriodLast:      t.last,
		StormFirst:      opts.StormFirst,
		StormLast:       opts.StormLast,
		PeriodMinutes:   opts.PeriodMinutes,
		EndStormMinutes: opts.EndStormMinutes,
		Units:           units,
		OutOfRange:      t.outOfRange,
		RingCount:       cal.RingCount(),
		RingWidthKm:     cal.RingWidthKm(),
		Rings:           rings,
	}
}

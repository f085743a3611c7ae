package pipeline

import (
	"time"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

// TimerAction tells the event loop what to do with one of its timers.
type TimerAction int

const (
	TimerKeep TimerAction = iota
	TimerRestart
	TimerStop
)

// Report is one item to publish. Exactly one field is set.
type Report struct {
	Snapshot  *domain.RingSnapshot
	Detection *domain.Detection
}

// Transition is the outcome of feeding one event to a Tracker. Reports are in
// publication order. Timer restarts are relative to At.
type Transition struct {
	At      time.Time
	Reports []Report
	Period  TimerAction
	Storm   TimerAction
}

// TrackerConfig holds the accumulator settings.
type TrackerConfig struct {
	Calibration     *domain.Calibration
	Units           domain.Unit
	PeriodMinutes   int
	EndStormMinutes int
}

// Period returns the reporting period.
func (c TrackerConfig) Period() time.Duration {
	return time.Duration(c.PeriodMinutes) * time.Minute
}

// EndStormAfter returns the silence after which a storm is over.
func (c TrackerConfig) EndStormAfter() time.Duration {
	return time.Duration(c.EndStormMinutes) * time.Minute
}

// Tracker is the storm lifecycle state machine. It owns the detection window
// and decides which snapshots each event produces. It does not own timers;
// the Transition tells the caller how to move them. Not safe for concurrent
// use.
type Tracker struct {
	cfg    TrackerConfig
	window *domain.Window

	state         domain.StormState
	stormFirst    time.Time
	stormLast     time.Time
	periodStarted time.Time
}

// NewTracker returns an idle tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg, window: domain.NewWindow(), state: domain.StormIdle}
}

// OnDetection accumulates d. It fails with *domain.OutOfOrderError, leaving
// the tracker unchanged, if d precedes the last accepted detection.
func (t *Tracker) OnDetection(d domain.Detection) (Transition, error) {
	if last := t.window.Last(); d.Timestamp.Before(last) {
		return Transition{}, &domain.OutOfOrderError{Timestamp: d.Timestamp, Last: last}
	}

	now := d.Timestamp
	tr := Transition{At: now, Storm: TimerRestart}

	switch {
	case t.state == domain.StormIdle:
		t.state = domain.StormActive
		t.stormFirst = now
		t.periodStarted = now
		tr.Period = TimerRestart

	case now.Sub(t.stormLast) > t.cfg.Period():
		// Quiet for longer than a period but still inside the storm: close
		// out the old period before this detection opens the next one.
		tr.Reports = append(tr.Reports, t.snapshot(domain.KindPast, now))
		t.window.EvictOlderThan(now.Add(-t.cfg.Period()))
		t.periodStarted = now
		tr.Period = TimerRestart
	}

	if err := t.window.Append(d); err != nil {
		return Transition{}, err
	}
	t.window.EvictOlderThan(now.Add(-t.cfg.Period()))
	t.stormLast = now

	det := d
	tr.Reports = append(tr.Reports, Report{Detection: &det}, t.snapshot(domain.KindCurrent, now))
	return tr, nil
}

// OnPeriodElapsed closes the current period at now.
func (t *Tracker) OnPeriodElapsed(now time.Time) Transition {
	if t.state == domain.StormIdle {
		return Transition{At: now, Period: TimerStop}
	}

	tr := Transition{At: now, Period: TimerRestart}
	tr.Reports = append(tr.Reports, t.snapshot(domain.KindPast, now))
	t.window.EvictOlderThan(now.Add(-t.cfg.Period()))
	t.periodStarted = now
	tr.Reports = append(tr.Reports, t.snapshot(domain.KindCurrent, now))
	return tr
}

// OnStormEnd publishes the final period and returns to idle.
func (t *Tracker) OnStormEnd(now time.Time) Transition {
	if t.state == domain.StormIdle {
		return Transition{At: now, Period: TimerStop, Storm: TimerStop}
	}

	tr := Transition{At: now, Period: TimerStop, Storm: TimerStop}
	tr.Reports = append(tr.Reports, t.snapshot(domain.KindPast, now))

	t.state = domain.StormIdle
	t.window.Clear()
	t.stormFirst = time.Time{}
	t.stormLast = time.Time{}
	t.periodStarted = time.Time{}

	tr.Reports = append(tr.Reports, t.snapshot(domain.KindCurrent, now))
	return tr
}

// State returns the lifecycle state.
func (t *Tracker) State() domain.StormState { return t.state }

// StormLast returns the time of the most recent detection in this storm.
func (t *Tracker) StormLast() time.Time { return t.stormLast }

// Status returns a view of the tracker for reporting. Every accepted
// detection is published at once, so the tracker never holds unpublished
// strikes.
func (t *Tracker) Status() domain.StormStatus {
	return domain.StormStatus{
		State:         t.state,
		StormFirst:    t.stormFirst,
		StormLast:     t.stormLast,
		PeriodStarted: t.periodStarted,
		WindowSize:    t.window.Len(),
		RingCount:     t.cfg.Calibration.RingCount(),
	}
}

func (t *Tracker) snapshot(kind domain.SnapshotKind, now time.Time) Report {
	s := domain.BuildSnapshot(kind, t.window.Snapshot(), t.cfg.Calibration, domain.SnapshotOptions{
		Now:             now,
		Units:           t.cfg.Units,
		PeriodMinutes:   t.cfg.PeriodMinutes,
		EndStormMinutes: t.cfg.EndStormMinutes,
		StormFirst:      t.stormFirst,
		StormLast:       t.stormLast,
	})
	return Report{Snapshot: &s}
}

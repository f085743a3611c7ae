package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/observability"
	"github.com/jonboulle/clockwork"
)

// EventSource delivers raw sensor events. The channel is closed when the
// source has nothing more to send.
type EventSource interface {
	Events() <-chan domain.RawEvent
}

// ReportSink accepts reports for asynchronous publication.
type ReportSink interface {
	Enqueue(r Report) bool
}

// Pipeline is the single event loop that owns the coalescer, the storm
// tracker and their timers. All state changes happen on the goroutine
// running Run (or Replay).
type Pipeline struct {
	source     EventSource
	interrupts *InterruptHandler
	coalescer  *domain.Coalescer
	tracker    *Tracker
	sink       ReportSink
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	periodDue time.Time
	stormDue  time.Time

	ready  atomic.Bool
	status atomic.Pointer[domain.StormStatus]
	latest atomic.Pointer[domain.RingSnapshot]
}

// New creates a Pipeline. A nil clock uses the real clock.
func New(src EventSource, interrupts *InterruptHandler, tracker *Tracker, sink ReportSink, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Pipeline{
		source:     src,
		interrupts: interrupts,
		coalescer:  domain.NewCoalescer(domain.DeadTime),
		tracker:    tracker,
		sink:       sink,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
	p.storeStatus()
	return p
}

// CheckReadiness returns nil while the event loop is running.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline is not running")
	}
	return nil
}

// Status returns the tracker state as of the last processed event.
func (p *Pipeline) Status() domain.StormStatus {
	return *p.status.Load()
}

// LatestRings returns the most recent current snapshot, if any.
func (p *Pipeline) LatestRings() (domain.RingSnapshot, bool) {
	s := p.latest.Load()
	if s == nil {
		return domain.RingSnapshot{}, false
	}
	return *s, true
}

// Run processes events and timer firings until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"period_minutes", p.tracker.cfg.PeriodMinutes,
		"end_storm_minutes", p.tracker.cfg.EndStormMinutes,
		"ring_count", p.tracker.cfg.Calibration.RingCount(),
	)
	p.metrics.PipelineRunning.Set(1)
	p.ready.Store(true)
	defer func() {
		p.ready.Store(false)
		p.metrics.PipelineRunning.Set(0)
	}()

	var period, storm, flush loopTimer
	defer func() {
		period.stop()
		storm.stop()
		flush.stop()
	}()

	events := p.source.Events()
	for {
		p.fireDue(p.clock.Now())

		flushDue, _ := p.coalescer.Deadline()
		period.arm(p.clock, p.fireAt(p.periodDue))
		storm.arm(p.clock, p.fireAt(p.stormDue))
		flush.arm(p.clock, flushDue)

		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil

		case ev, ok := <-events:
			if !ok {
				p.logger.Info("event source closed")
				events = nil
				if d := p.coalescer.Drain(); d != nil {
					p.accept(*d)
				}
				continue
			}
			p.handleRaw(ctx, ev)

		case <-period.C():
			period.fired()
		case <-storm.C():
			storm.fired()
		case <-flush.C():
			flush.fired()
		}
	}
}

// Replay runs events through the pipeline synchronously, treating each
// event's own timestamp as the current time, then lets every pending timer
// expire in order until the storm has ended.
func (p *Pipeline) Replay(ctx context.Context, events []domain.RawEvent) {
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		p.handleRaw(ctx, ev)
	}
	for ctx.Err() == nil {
		_, _, fireAt, ok := p.nextDue()
		if !ok {
			return
		}
		p.fireDue(fireAt)
	}
}

func (p *Pipeline) handleRaw(ctx context.Context, ev domain.RawEvent) {
	start := time.Now()
	p.fireDue(ev.Time)

	if !p.interrupts.Handle(ctx, ev) {
		return
	}

	dec := p.coalescer.Accept(ev)
	if dec.Suppressed {
		p.metrics.StrikesSuppressed.Inc()
		p.logger.Debug("interrupt within dead time, folded into open detection", "time", ev.Time)
		p.storeStatus()
		return
	}
	if dec.Released != nil {
		p.accept(*dec.Released)
	}
	p.storeStatus()
	p.metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
}

type deadline int

const (
	deadlineFlush deadline = iota
	deadlineStorm
	deadlinePeriod
)

// fireAt returns when a storm or period deadline may fire. While the
// coalescer holds a detection that began before the deadline, the deadline
// waits for that detection's release.
func (p *Pipeline) fireAt(due time.Time) time.Time {
	if due.IsZero() {
		return due
	}
	if open, ok := p.coalescer.Open(); ok && open.Before(due) {
		if release, _ := p.coalescer.Deadline(); release.After(due) {
			return release
		}
	}
	return due
}

// nextDue returns the pending deadline that fires first, the time it is due
// and the time it may fire. On ties the dead-time flush runs first so a
// detection can slide the storm timer, and storm end runs before the period
// roll so the final past snapshot covers the whole window.
func (p *Pipeline) nextDue() (which deadline, due, fireAt time.Time, ok bool) {
	consider := func(d deadline, t time.Time) {
		if t.IsZero() {
			return
		}
		at := t
		if d != deadlineFlush {
			at = p.fireAt(t)
		}
		if !ok || at.Before(fireAt) {
			which, due, fireAt, ok = d, t, at, true
		}
	}
	if t, open := p.coalescer.Deadline(); open {
		consider(deadlineFlush, t)
	}
	consider(deadlineStorm, p.stormDue)
	consider(deadlinePeriod, p.periodDue)
	return which, due, fireAt, ok
}

// fireDue processes every deadline that may fire at or before now, in order.
// Storm and period transitions are stamped with their own due time.
func (p *Pipeline) fireDue(now time.Time) {
	for {
		which, due, fireAt, ok := p.nextDue()
		if !ok || fireAt.After(now) {
			return
		}
		switch which {
		case deadlineFlush:
			if d := p.coalescer.Flush(due); d != nil {
				p.accept(*d)
			}
		case deadlineStorm:
			p.logger.Info("storm ended",
				"storm_first", p.tracker.stormFirst,
				"storm_last", p.tracker.stormLast,
			)
			p.apply(p.tracker.OnStormEnd(due))
			p.metrics.StormsEnded.Inc()
		case deadlinePeriod:
			p.logger.Info("period elapsed", "at", due, "window_size", p.tracker.window.Len())
			p.apply(p.tracker.OnPeriodElapsed(due))
		}
	}
}

// accept hands a coalesced detection to the tracker.
func (p *Pipeline) accept(d domain.Detection) {
	if _, err := p.tracker.cfg.Calibration.RingIndexFor(d.Distance); err != nil {
		p.logger.Warn("unexpected distance code, counting as out of range", "error", err)
		p.metrics.ClassificationErrors.Inc()
		d.Distance = domain.OutOfRange
	}

	wasIdle := p.tracker.State() == domain.StormIdle
	tr, err := p.tracker.OnDetection(d)
	if err != nil {
		p.logger.Warn("dropping detection", "error", err)
		p.metrics.OutOfOrder.Inc()
		p.storeStatus()
		return
	}
	if wasIdle {
		p.logger.Info("storm started", "first_strike", d.Timestamp, "distance", int(d.Distance))
		p.metrics.StormsStarted.Inc()
	}
	p.logger.Debug("detection accepted",
		"timestamp", d.Timestamp,
		"energy", d.Energy,
		"distance", int(d.Distance),
		"strike_count", d.StrikeCount,
	)
	p.metrics.Detections.Inc()
	p.metrics.Strikes.Add(float64(d.StrikeCount))
	p.apply(tr)
}

// apply moves the timers and forwards reports to the sink in order.
func (p *Pipeline) apply(tr Transition) {
	switch tr.Period {
	case TimerRestart:
		p.periodDue = tr.At.Add(p.tracker.cfg.Period())
	case TimerStop:
		p.periodDue = time.Time{}
	}
	switch tr.Storm {
	case TimerRestart:
		p.stormDue = tr.At.Add(p.tracker.cfg.EndStormAfter())
	case TimerStop:
		p.stormDue = time.Time{}
	}

	for _, r := range tr.Reports {
		if r.Snapshot != nil && r.Snapshot.Kind == domain.KindCurrent {
			p.latest.Store(r.Snapshot)
		}
		p.sink.Enqueue(r)
	}

	status := p.storeStatus()
	p.metrics.WindowSize.Set(float64(status.WindowSize))
	if status.State == domain.StormActive {
		p.metrics.StormActive.Set(1)
	} else {
		p.metrics.StormActive.Set(0)
	}
}

// storeStatus publishes the tracker state together with the interrupts still
// held by the coalescer.
func (p *Pipeline) storeStatus() domain.StormStatus {
	status := p.tracker.Status()
	status.StrikesSincePublish = p.coalescer.Pending()
	p.status.Store(&status)
	return status
}

// loopTimer is one restartable timer of the event loop. Re-arming with a new
// deadline stops the old timer before starting the new one.
type loopTimer struct {
	timer clockwork.Timer
	due   time.Time
}

func (t *loopTimer) arm(clock clockwork.Clock, due time.Time) {
	if due.Equal(t.due) && (t.timer != nil || due.IsZero()) {
		return
	}
	t.stop()
	t.due = due
	if due.IsZero() {
		return
	}
	wait := due.Sub(clock.Now())
	if wait <= 0 {
		wait = time.Nanosecond
	}
	t.timer = clock.NewTimer(wait)
}

func (t *loopTimer) fired() {
	t.timer = nil
	t.due = time.Time{}
}

func (t *loopTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.due = time.Time{}
}

func (t *loopTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.Chan()
}

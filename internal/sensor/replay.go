package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

// ReplaySource plays back a storm file as lightning interrupts, waiting the
// recorded gap between records divided by the speed-up scale. Events are
// stamped with the clock's time when they are sent.
type ReplaySource struct {
	records []StormRecord
	scale   float64
	clock   clockwork.Clock
	logger  *slog.Logger
	events  chan domain.RawEvent
}

// NewReplaySource creates a ReplaySource. A scale below 1 is treated as 1 and
// a nil clock uses the real clock.
func NewReplaySource(records []StormRecord, scale float64, clock clockwork.Clock, logger *slog.Logger) *ReplaySource {
	if scale < 1 {
		scale = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReplaySource{
		records: records,
		scale:   scale,
		clock:   clock,
		logger:  logger,
		events:  make(chan domain.RawEvent),
	}
}

// OpenReplayFile parses the storm file at path and creates a ReplaySource.
func OpenReplayFile(path string, scale float64, clock clockwork.Clock, logger *slog.Logger) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	records, err := ParseStormFile(f)
	if err != nil {
		return nil, err
	}
	return NewReplaySource(records, scale, clock, logger), nil
}

// Events returns the event channel. It is closed when Run returns.
func (r *ReplaySource) Events() <-chan domain.RawEvent {
	return r.events
}

// Len returns the number of records to replay.
func (r *ReplaySource) Len() int { return len(r.records) }

// Run sends every record, then closes the event channel.
func (r *ReplaySource) Run(ctx context.Context) error {
	defer close(r.events)

	r.logger.Info("replaying storm", "detections", len(r.records), "scale", r.scale)
	var prev time.Duration
	for i, rec := range r.records {
		wait := time.Duration(float64(rec.Offset-prev) / r.scale)
		if !sleepWithContext(ctx, r.clock, wait) {
			return nil
		}
		prev = rec.Offset

		ev := domain.RawEvent{
			Time:     r.clock.Now(),
			Reason:   domain.ReasonLightning,
			Energy:   rec.Energy,
			Distance: rec.Distance,
		}
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return nil
		}
		r.logger.Debug("replayed detection", "record", rec.Number, "index", i, "distance", int(rec.Distance), "energy", rec.Energy)
	}
	r.logger.Info("replay finished, waiting for storm to end")
	return nil
}

// Events converts records to events starting at start, for synchronous
// replay with the record offsets as event times.
func Events(records []StormRecord, start time.Time) []domain.RawEvent {
	out := make([]domain.RawEvent, len(records))
	for i, rec := range records {
		out[i] = rec.Event(start)
	}
	return out
}

package pipeline_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/pipeline"
)

var t0 = time.Date(2024, 6, 14, 18, 0, 0, 0, time.UTC)

func newTracker(t *testing.T) *pipeline.Tracker {
	t.Helper()
	cal, err := domain.NewCalibration(5)
	require.NoError(t, err)
	return pipeline.NewTracker(pipeline.TrackerConfig{
		Calibration:     cal,
		Units:           domain.UnitKm,
		PeriodMinutes:   5,
		EndStormMinutes: 30,
	})
}

func detection(offset time.Duration, distance domain.Distance) domain.Detection {
	return domain.Detection{Timestamp: t0.Add(offset), Energy: 1000, Distance: distance, StrikeCount: 1}
}

func snapshots(tr pipeline.Transition) []domain.RingSnapshot {
	var out []domain.RingSnapshot
	for _, r := range tr.Reports {
		if r.Snapshot != nil {
			out = append(out, *r.Snapshot)
		}
	}
	return out
}

func TestTracker_FirstDetectionStartsStorm(t *testing.T) {
	tr := newTracker(t)
	require.Equal(t, domain.StormIdle, tr.State())

	out, err := tr.OnDetection(detection(0, 6))
	require.NoError(t, err)

	assert.Equal(t, domain.StormActive, tr.State())
	assert.Equal(t, pipeline.TimerRestart, out.Period)
	assert.Equal(t, pipeline.TimerRestart, out.Storm)
	assert.Equal(t, t0, out.At)

	require.Len(t, out.Reports, 2)
	require.NotNil(t, out.Reports[0].Detection)
	assert.Equal(t, domain.Distance(6), out.Reports[0].Detection.Distance)

	snaps := snapshots(out)
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.KindCurrent, snaps[0].Kind)
	assert.Equal(t, 1, snaps[0].Rings[1].StrikeCount)
	assert.Equal(t, t0, snaps[0].StormFirst)

	status := tr.Status()
	assert.Equal(t, t0, status.StormFirst)
	assert.Equal(t, t0, status.PeriodStarted)
	assert.Equal(t, 1, status.WindowSize)
	assert.Zero(t, status.StrikesSincePublish, "the detection is published with its snapshot")
}

func TestTracker_DetectionWithinPeriodKeepsPeriodTimer(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.OnDetection(detection(0, 6))
	require.NoError(t, err)

	out, err := tr.OnDetection(detection(2*time.Minute, 17))
	require.NoError(t, err)

	assert.Equal(t, pipeline.TimerKeep, out.Period)
	assert.Equal(t, pipeline.TimerRestart, out.Storm, "every detection slides the storm end")
	snaps := snapshots(out)
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].TotalStrikes())
}

func TestTracker_PeriodElapsedPublishesPastThenEmptyCurrent(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.OnDetection(detection(0, 6))
	require.NoError(t, err)

	out := tr.OnPeriodElapsed(t0.Add(5 * time.Minute))

	assert.Equal(t, pipeline.TimerRestart, out.Period)
	assert.Equal(t, pipeline.TimerKeep, out.Storm)
	snaps := snapshots(out)
	require.Len(t, snaps, 2)

	assert.Equal(t, domain.KindPast, snaps[0].Kind)
	assert.Equal(t, 1, snaps[0].Rings[1].StrikeCount)
	assert.Equal(t, t0, snaps[0].PeriodFirst)

	assert.Equal(t, domain.KindCurrent, snaps[1].Kind)
	assert.Zero(t, snaps[1].TotalStrikes())
	assert.Zero(t, snaps[1].OutOfRange)

	assert.Equal(t, domain.StormActive, tr.State())
	assert.Zero(t, tr.Status().StrikesSincePublish)
}

func TestTracker_PeriodElapsedKeepsYoungDetections(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.OnDetection(detection(0, 6))
	require.NoError(t, err)
	_, err = tr.OnDetection(detection(4*time.Minute, 24))
	require.NoError(t, err)

	out := tr.OnPeriodElapsed(t0.Add(5 * time.Minute))
	snaps := snapshots(out)
	require.Len(t, snaps, 2)

	assert.Equal(t, 2, snaps[0].TotalStrikes())
	assert.Equal(t, 1, snaps[1].TotalStrikes())
	assert.Equal(t, 1, snaps[1].Rings[3].StrikeCount)
}

func TestTracker_LateDetectionRollsPeriodEagerly(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.OnDetection(detection(0, 6))
	require.NoError(t, err)

	out, err := tr.OnDetection(detection(6*time.Minute, 34))
	require.NoError(t, err)

	assert.Equal(t, pipeline.TimerRestart, out.Period)
	require.Len(t, out.Reports, 3)
	require.NotNil(t, out.Reports[0].Snapshot)
	require.NotNil(t, out.Reports[1].Detection)
	require.NotNil(t, out.Reports[2].Snapshot)

	past := *out.Reports[0].Snapshot
	assert.Equal(t, domain.KindPast, past.Kind)
	assert.Equal(t, 1, past.Rings[1].StrikeCount)
	assert.Zero(t, past.Rings[5].StrikeCount)

	current := *out.Reports[2].Snapshot
	assert.Equal(t, domain.KindCurrent, current.Kind)
	assert.Zero(t, current.Rings[1].StrikeCount)
	assert.Equal(t, 1, current.Rings[5].StrikeCount)
	assert.Equal(t, t0, current.StormFirst, "still the same storm")
	assert.Equal(t, t0.Add(6*time.Minute), tr.Status().PeriodStarted)
}

func TestTracker_StormEndReturnsToIdle(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.OnDetection(detection(0, 6))
	require.NoError(t, err)
	_, err = tr.OnDetection(detection(time.Minute, 8))
	require.NoError(t, err)

	out := tr.OnStormEnd(t0.Add(31 * time.Minute))

	assert.Equal(t, pipeline.TimerStop, out.Period)
	assert.Equal(t, pipeline.TimerStop, out.Storm)
	snaps := snapshots(out)
	require.Len(t, snaps, 2)
	assert.Equal(t, domain.KindPast, snaps[0].Kind)
	assert.Equal(t, 2, snaps[0].TotalStrikes())
	assert.Equal(t, t0, snaps[0].StormFirst)
	assert.Equal(t, t0.Add(time.Minute), snaps[0].StormLast)

	assert.Equal(t, domain.KindCurrent, snaps[1].Kind)
	assert.Zero(t, snaps[1].TotalStrikes())
	assert.True(t, snaps[1].StormFirst.IsZero())

	status := tr.Status()
	assert.Equal(t, domain.StormIdle, status.State)
	assert.Zero(t, status.WindowSize)
	assert.True(t, status.StormFirst.IsZero())

	next, err := tr.OnDetection(detection(45*time.Minute, 40))
	require.NoError(t, err)
	assert.Equal(t, pipeline.TimerRestart, next.Period)
	assert.Equal(t, t0.Add(45*time.Minute), tr.Status().StormFirst, "new storm")
}

func TestTracker_TimersWhileIdle(t *testing.T) {
	tr := newTracker(t)

	out := tr.OnPeriodElapsed(t0)
	assert.Empty(t, out.Reports)
	assert.Equal(t, pipeline.TimerStop, out.Period)

	out = tr.OnStormEnd(t0)
	assert.Empty(t, out.Reports)
	assert.Equal(t, pipeline.TimerStop, out.Storm)
}

func TestTracker_OutOfOrderLeavesStateUnchanged(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.OnDetection(detection(time.Minute, 6))
	require.NoError(t, err)
	before := tr.Status()

	_, err = tr.OnDetection(detection(0, 8))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOutOfOrder))
	assert.Equal(t, before, tr.Status())
}

func TestTracker_BinsMixedDistances(t *testing.T) {
	tr := newTracker(t)
	var out pipeline.Transition
	for i, d := range []domain.Distance{6, 6, 17, domain.OutOfRange} {
		var err error
		out, err = tr.OnDetection(detection(time.Duration(i)*15*time.Second, d))
		require.NoError(t, err)
	}

	snaps := snapshots(out)
	require.Len(t, snaps, 1)
	current := snaps[0]
	assert.Equal(t, 2, current.Rings[1].StrikeCount, "6 km band")
	assert.Equal(t, 1, current.Rings[2].StrikeCount, "17 km band")
	assert.Equal(t, 1, current.OutOfRange)
	assert.Equal(t, 3, current.TotalStrikes())
}

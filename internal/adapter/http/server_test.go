package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/lightning-detector/internal/adapter/http"
	"github.com/couchcryptid/lightning-detector/internal/adapter/sqlite"
	"github.com/couchcryptid/lightning-detector/internal/domain"
)

var testTime = time.Date(2024, 6, 14, 18, 0, 0, 0, time.UTC)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockState struct {
	status domain.StormStatus
	rings  *domain.RingSnapshot
}

func (m *mockState) Status() domain.StormStatus { return m.status }

func (m *mockState) LatestRings() (domain.RingSnapshot, bool) {
	if m.rings == nil {
		return domain.RingSnapshot{}, false
	}
	return *m.rings, true
}

type mockHistory struct {
	periods   []sqlite.PeriodRecord
	err       error
	lastLimit int
}

func (m *mockHistory) RecentPeriods(_ context.Context, limit int) ([]sqlite.PeriodRecord, error) {
	m.lastLimit = limit
	if len(m.periods) > limit {
		return m.periods[:limit], m.err
	}
	return m.periods, m.err
}

func (m *mockHistory) DetectionCount(context.Context, time.Time) (int, error) {
	return 7, nil
}

func newTestServer(readyErr error, state *mockState, history httpadapter.HistoryReader) *httpadapter.Server {
	if state == nil {
		state = &mockState{status: domain.StormStatus{State: domain.StormIdle, RingCount: 5}}
	}
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, state, history, slog.New(slog.DiscardHandler))
}

func get(srv http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := get(newTestServer(nil, nil, nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := get(newTestServer(nil, nil, nil), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := get(newTestServer(fmt.Errorf("pipeline is not running"), nil, nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(newTestServer(nil, nil, nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusReportsStormState(t *testing.T) {
	state := &mockState{status: domain.StormStatus{
		State:               domain.StormActive,
		StormFirst:          testTime,
		StormLast:           testTime.Add(2 * time.Minute),
		PeriodStarted:       testTime,
		WindowSize:          3,
		StrikesSincePublish: 4,
		RingCount:           5,
	}}
	rec := get(newTestServer(nil, state, nil), "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "2024-06-14T18:00:00Z", body["storm_first"])
	assert.EqualValues(t, 3, body["window_size"])
	assert.EqualValues(t, 4, body["strikes_since_last_publish"])
}

func TestStatusOmitsTimesWhenIdle(t *testing.T) {
	rec := get(newTestServer(nil, nil, nil), "/status")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["state"])
	assert.NotContains(t, body, "storm_first")
}

func TestRingsBeforeFirstSnapshot(t *testing.T) {
	rec := get(newTestServer(nil, nil, nil), "/rings")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRingsReturnsLatestCurrentSnapshot(t *testing.T) {
	cal, err := domain.NewCalibration(3)
	require.NoError(t, err)
	snap := domain.BuildSnapshot(domain.KindCurrent,
		[]domain.Detection{{Timestamp: testTime, Energy: 10, Distance: 24, StrikeCount: 1}},
		cal, domain.SnapshotOptions{Now: testTime, Units: domain.UnitKm, PeriodMinutes: 5, EndStormMinutes: 30})

	rec := get(newTestServer(nil, &mockState{rings: &snap}, nil), "/rings")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body["crings"]["ring_count"])
}

func TestHistoryDisabled(t *testing.T) {
	rec := get(newTestServer(nil, nil, nil), "/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryReturnsRecentPeriods(t *testing.T) {
	history := &mockHistory{periods: []sqlite.PeriodRecord{
		{ID: 2, PublishedAt: testTime.Add(10 * time.Minute), TotalStrikes: 4, Snapshot: json.RawMessage(`{"prings":{}}`)},
		{ID: 1, PublishedAt: testTime.Add(5 * time.Minute), TotalStrikes: 1, Snapshot: json.RawMessage(`{"prings":{}}`)},
	}}
	srv := newTestServer(nil, nil, history)

	rec := get(srv, "/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, history.lastLimit)

	var body struct {
		Periods []struct {
			ID           int64           `json:"id"`
			TotalStrikes int             `json:"total_strikes"`
			Snapshot     json.RawMessage `json:"snapshot"`
		} `json:"periods"`
		Detections24h int `json:"detections_24h"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Periods, 1)
	assert.EqualValues(t, 2, body.Periods[0].ID)
	assert.JSONEq(t, `{"prings":{}}`, string(body.Periods[0].Snapshot))
	assert.Equal(t, 7, body.Detections24h)

	get(srv, "/history")
	assert.Equal(t, 12, history.lastLimit)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	srv := newTestServer(nil, nil, &mockHistory{})
	for _, q := range []string{"0", "-1", "abc", "289"} {
		rec := get(srv, "/history?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHistoryStoreError(t *testing.T) {
	rec := get(newTestServer(nil, nil, &mockHistory{err: errors.New("disk I/O error")}), "/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

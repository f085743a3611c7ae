package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type snapshotHeader struct {
	Timestamp       string  `json:"timestamp"`
	Last            string  `json:"last,omitempty"`
	First           string  `json:"first,omitempty"`
	StormLast       string  `json:"storm_last,omitempty"`
	StormFirst      string  `json:"storm_first,omitempty"`
	EndStormMinutes int     `json:"end_minutes"`
	PeriodMinutes   int     `json:"period_minutes"`
	Units           Unit    `json:"units"`
	OutOfRange      int     `json:"out_of_range"`
	RingCount       int     `json:"ring_count"`
	RingWidthKm     float64 `json:"ring_width_km"`
}

type ringPayload struct {
	Count      int     `json:"count"`
	DistanceKm float64 `json:"distance_km"`
	FromUnits  float64 `json:"from_units"`
	ToUnits    float64 `json:"to_units"`
	Energy     int     `json:"energy"`
}

// MarshalSnapshot encodes s as {"crings": {...}} or {"prings": {...}} with
// the header fields first and one "ringN" object per ring.
func MarshalSnapshot(s RingSnapshot) ([]byte, error) {
	header, err := json.Marshal(snapshotHeader{
		Timestamp:       formatTime(s.Timestamp),
		Last:            formatTime(s.PeriodLast),
		First:           formatTime(s.PeriodFirst),
		StormLast:       formatTime(s.StormLast),
		StormFirst:      formatTime(s.StormFirst),
		EndStormMinutes: s.EndStormMinutes,
		PeriodMinutes:   s.PeriodMinutes,
		Units:           s.Units,
		OutOfRange:      s.OutOfRange,
		RingCount:       s.RingCount,
		RingWidthKm:     s.RingWidthKm,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot header: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"`)
	buf.WriteString(s.Kind.Key())
	buf.WriteString(`":`)
	buf.Write(header[:len(header)-1])
	for i, r := range s.Rings {
		ring, err := json.Marshal(ringPayload{
			Count:      r.StrikeCount,
			DistanceKm: r.DistanceKm,
			FromUnits:  r.DisplayFrom,
			ToUnits:    r.DisplayTo,
			Energy:     r.Energy,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal ring %d: %w", i, err)
		}
		fmt.Fprintf(&buf, `,"ring%d":`, i)
		buf.Write(ring)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

type detectionPayload struct {
	Timestamp string `json:"timestamp"`
	Energy    int    `json:"energy"`
	Distance  any    `json:"distance"`
	Count     int    `json:"count"`
}

// MarshalDetection encodes d for the detect topic. Out-of-range distances
// are reported as the string "out of range".
func MarshalDetection(d Detection) ([]byte, error) {
	var distance any = int(d.Distance)
	if d.Distance.IsOutOfRange() {
		distance = "out of range"
	}
	data, err := json.Marshal(detectionPayload{
		Timestamp: formatTime(d.Timestamp),
		Energy:    d.Energy,
		Distance:  distance,
		Count:     d.StrikeCount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal detection: %w", err)
	}
	return data, nil
}

// Settings are the accumulator settings announced at startup.
type Settings struct {
	Timestamp       time.Time
	PeriodMinutes   int
	EndStormMinutes int
	RingCount       int
	Units           Unit
}

type settingsPayload struct {
	Settings struct {
		Timestamp string `json:"timestamp"`
		Script    struct {
			PeriodMinutes   int  `json:"period_minutes"`
			EndStormMinutes int  `json:"end_minutes"`
			RingCount       int  `json:"number_rings"`
			Units           Unit `json:"distance_units"`
		} `json:"script"`
	} `json:"settings"`
}

// MarshalSettings encodes s for the settings topic.
func MarshalSettings(s Settings) ([]byte, error) {
	var p settingsPayload
	p.Settings.Timestamp = formatTime(s.Timestamp)
	p.Settings.Script.PeriodMinutes = s.PeriodMinutes
	p.Settings.Script.EndStormMinutes = s.EndStormMinutes
	p.Settings.Script.RingCount = s.RingCount
	p.Settings.Script.Units = s.Units
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Truncate(time.Second).Format(time.RFC3339)
}

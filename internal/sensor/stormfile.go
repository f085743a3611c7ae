package sensor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

// StormRecord is one synthetic detection in a storm file.
type StormRecord struct {
	Number   int
	Offset   time.Duration // since the start of the storm
	Distance domain.Distance
	Energy   int
}

// Event converts r to a lightning interrupt relative to start.
func (r StormRecord) Event(start time.Time) domain.RawEvent {
	return domain.RawEvent{
		Time:     start.Add(r.Offset),
		Reason:   domain.ReasonLightning,
		Energy:   r.Energy,
		Distance: r.Distance,
	}
}

// ParseStormFile reads a storm file. Lines starting with # are comments; every
// other line is "record-nbr, time-seconds, distance, energy". A distance of
// "-" or anything beyond 40 km is out of range; other distances snap to the
// nearest sensor code. Records must not go back in time.
func ParseStormFile(r io.Reader) ([]StormRecord, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	var records []StormRecord
	var last time.Duration
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read storm file: %w", err)
		}
		line, _ := cr.FieldPos(0)

		rec, err := parseStormRow(row)
		if err != nil {
			return nil, fmt.Errorf("storm file line %d: %w", line, err)
		}
		if rec.Offset < last {
			return nil, fmt.Errorf("storm file line %d: time %s is before previous record", line, rec.Offset)
		}
		last = rec.Offset
		records = append(records, rec)
	}
	return records, nil
}

func parseStormRow(row []string) (StormRecord, error) {
	var rec StormRecord
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}

	n, err := strconv.Atoi(row[0])
	if err != nil {
		return rec, fmt.Errorf("parse record number %q: %w", row[0], err)
	}
	rec.Number = n

	secs, err := strconv.ParseFloat(row[1], 64)
	if err != nil || secs < 0 {
		return rec, fmt.Errorf("parse time %q: must be non-negative seconds", row[1])
	}
	rec.Offset = time.Duration(secs * float64(time.Second))

	if row[2] == "-" {
		rec.Distance = domain.OutOfRange
	} else {
		km, err := strconv.ParseFloat(row[2], 64)
		if err != nil || km < 0 {
			return rec, fmt.Errorf("parse distance %q: must be non-negative km or -", row[2])
		}
		rec.Distance = domain.NearestDistanceCode(km)
	}

	energy, err := strconv.Atoi(row[3])
	if err != nil || energy < 0 {
		return rec, fmt.Errorf("parse energy %q: must be a non-negative integer", row[3])
	}
	rec.Energy = energy
	return rec, nil
}

// WriteStormFile writes records in the format read by ParseStormFile,
// preceded by the given comment lines.
func WriteStormFile(w io.Writer, comments []string, records []StormRecord) error {
	for _, c := range comments {
		if _, err := fmt.Fprintf(w, "# %s\n", c); err != nil {
			return fmt.Errorf("write storm file: %w", err)
		}
	}
	for _, r := range records {
		dist := strconv.Itoa(int(r.Distance))
		if r.Distance.IsOutOfRange() {
			dist = "-"
		}
		_, err := fmt.Fprintf(w, "%d, %s, %s, %d\n",
			r.Number, strconv.FormatFloat(r.Offset.Seconds(), 'f', -1, 64), dist, r.Energy)
		if err != nil {
			return fmt.Errorf("write storm file: %w", err)
		}
	}
	return nil
}

// Command validate replays a storm file through the real accumulator at
// full speed and checks the resulting report stream: detection accounting,
// report ordering, period boundaries and the storm-end reset. It then prints
// the closed-period ring tallies.
//
// Usage:
//
//	go run ./cmd/validate -file data/storm.dat -rings 5 -period 5 -end-storm 30
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/observability"
	"github.com/couchcryptid/lightning-detector/internal/pipeline"
	"github.com/couchcryptid/lightning-detector/internal/sensor"
)

var replayStart = time.Date(2024, time.June, 14, 18, 0, 0, 0, time.UTC)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// options mirror the daemon's accumulator settings.
type options struct {
	rings    int
	period   int
	endStorm int
	units    domain.Unit
}

// collector records every report in the order the pipeline emits it.
type collector struct {
	reports []pipeline.Report
}

func (c *collector) Enqueue(r pipeline.Report) bool {
	c.reports = append(c.reports, r)
	return true
}

func main() {
	file := flag.String("file", "", "storm file to replay")
	rings := flag.Int("rings", 5, "number of distance rings (3-7)")
	period := flag.Int("period", 5, "report period in minutes (2-10)")
	endStorm := flag.Int("end-storm", 30, "minutes without strikes before the storm ends (10-60)")
	units := flag.String("units", "km", "distance units (km or mi)")
	verbose := flag.Bool("v", false, "log pipeline activity to stderr")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(1)
	}

	unit, err := domain.ParseUnit(*units)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	opts := options{rings: *rings, period: *period, endStorm: *endStorm, units: unit}
	if code := run(*file, opts, logger); code != 0 {
		os.Exit(code)
	}
}

func run(path string, opts options, logger *slog.Logger) int {
	fmt.Println("=== Lightning Storm Replay Validation ===")
	fmt.Println()

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open storm file: %v\n", err)
		return 1
	}
	records, err := sensor.ParseStormFile(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	reports, err := replay(records, opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateStormFile(records),
		validateDetections(records, reports),
		validateOrdering(reports),
		validatePeriods(reports, opts),
		validateStormEnd(reports),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d strikes, %d reports\n", len(records), len(reports))
	printPeriods(reports, opts)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i >= 20 {
				fmt.Printf("  ... and %d more\n", len(p.errors)-20)
				break
			}
			fmt.Printf("  %s\n", e)
		}
	}

	if !allPassed {
		return 1
	}
	return 0
}

// replay runs the records through the accumulator with their file offsets
// as event times and returns the reports in emission order.
func replay(records []sensor.StormRecord, opts options, logger *slog.Logger) ([]pipeline.Report, error) {
	cal, err := domain.NewCalibration(opts.rings)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetricsForTesting()
	tracker := pipeline.NewTracker(pipeline.TrackerConfig{
		Calibration:     cal,
		Units:           opts.units,
		PeriodMinutes:   opts.period,
		EndStormMinutes: opts.endStorm,
	})
	sink := &collector{}
	p := pipeline.New(nil, pipeline.NewInterruptHandler(nil, logger, metrics), tracker, sink, nil, logger, metrics)
	p.Replay(context.Background(), sensor.Events(records, replayStart))
	return sink.reports, nil
}

func validateStormFile(records []sensor.StormRecord) *phase {
	p := &phase{name: "Storm file"}
	if len(records) == 0 {
		p.errorf("no records")
	}
	for i, r := range records {
		if r.Number != i+1 {
			p.errorf("record %d: numbered %d", i+1, r.Number)
		}
		if !r.Distance.IsLegal() {
			p.errorf("record %d: distance %d is not a sensor code", r.Number, r.Distance)
		}
	}
	return p
}

// validateDetections checks that every strike in the file ends up in exactly
// one published detection.
func validateDetections(records []sensor.StormRecord, reports []pipeline.Report) *phase {
	p := &phase{name: "Detection accounting"}
	strikes := 0
	for _, r := range reports {
		if r.Detection == nil {
			continue
		}
		if r.Detection.StrikeCount < 1 {
			p.errorf("detection at %s has strike count %d", r.Detection.Timestamp.Format(time.RFC3339), r.Detection.StrikeCount)
		}
		strikes += r.Detection.StrikeCount
	}
	if strikes != len(records) {
		p.errorf("detections carry %d strikes, file has %d", strikes, len(records))
	}
	return p
}

// validateOrdering checks that each detection is followed by a current
// snapshot and that report times never go backwards.
func validateOrdering(reports []pipeline.Report) *phase {
	p := &phase{name: "Report ordering"}
	var last time.Time
	for i, r := range reports {
		at := reportTime(r)
		if at.Before(last) {
			p.errorf("report %d at %s precedes %s", i, at.Format(time.RFC3339), last.Format(time.RFC3339))
		}
		last = at

		if r.Detection == nil {
			continue
		}
		if i+1 >= len(reports) || reports[i+1].Snapshot == nil || reports[i+1].Snapshot.Kind != domain.KindCurrent {
			p.errorf("detection at %s not followed by a current snapshot", at.Format(time.RFC3339))
		}
	}
	return p
}

// validatePeriods checks every closed period against the configured layout.
func validatePeriods(reports []pipeline.Report, opts options) *phase {
	p := &phase{name: "Period snapshots"}
	period := time.Duration(opts.period) * time.Minute
	for _, s := range pastSnapshots(reports) {
		at := s.Timestamp.Format(time.RFC3339)
		if s.RingCount != opts.rings || len(s.Rings) != opts.rings+1 {
			p.errorf("past snapshot at %s: %d rings (%d entries), want %d", at, s.RingCount, len(s.Rings), opts.rings)
		}
		if s.Units != opts.units {
			p.errorf("past snapshot at %s: units %s, want %s", at, s.Units, opts.units)
		}
		if !s.PeriodFirst.IsZero() && s.PeriodLast.Sub(s.PeriodFirst) > period {
			p.errorf("past snapshot at %s spans %s, longer than one period", at, s.PeriodLast.Sub(s.PeriodFirst))
		}
	}
	return p
}

// validateStormEnd checks that the replay ends with the storm closed out:
// a final past snapshot followed by an empty current snapshot.
func validateStormEnd(reports []pipeline.Report) *phase {
	p := &phase{name: "Storm end"}
	if len(reports) < 2 {
		p.errorf("only %d reports", len(reports))
		return p
	}
	last, prev := reports[len(reports)-1].Snapshot, reports[len(reports)-2].Snapshot
	if prev == nil || prev.Kind != domain.KindPast {
		p.errorf("second-to-last report is not a past snapshot")
	}
	if last == nil || last.Kind != domain.KindCurrent {
		p.errorf("last report is not a current snapshot")
		return p
	}
	if last.TotalStrikes() != 0 || last.OutOfRange != 0 {
		p.errorf("final current snapshot still holds %d strikes", last.TotalStrikes()+last.OutOfRange)
	}
	if !last.StormFirst.IsZero() {
		p.errorf("final current snapshot still reports storm start %s", last.StormFirst.Format(time.RFC3339))
	}
	return p
}

func printPeriods(reports []pipeline.Report, opts options) {
	past := pastSnapshots(reports)
	fmt.Printf("\nClosed periods (%d):\n", len(past))

	header := []string{"  time    ", "total", "oor"}
	for i := range opts.rings + 1 {
		header = append(header, fmt.Sprintf("ring%d", i))
	}
	fmt.Println(strings.Join(header, "  "))
	for _, s := range past {
		cols := []string{
			s.Timestamp.Sub(replayStart).Round(time.Second).String(),
			fmt.Sprint(s.TotalStrikes()),
			fmt.Sprint(s.OutOfRange),
		}
		for _, r := range s.Rings {
			cols = append(cols, fmt.Sprint(r.StrikeCount))
		}
		fmt.Printf("  %-8s  %5s  %3s", cols[0], cols[1], cols[2])
		for _, c := range cols[3:] {
			fmt.Printf("  %5s", c)
		}
		fmt.Println()
	}
}

func pastSnapshots(reports []pipeline.Report) []domain.RingSnapshot {
	var out []domain.RingSnapshot
	for _, r := range reports {
		if r.Snapshot != nil && r.Snapshot.Kind == domain.KindPast {
			out = append(out, *r.Snapshot)
		}
	}
	return out
}

func reportTime(r pipeline.Report) time.Time {
	if r.Detection != nil {
		return r.Detection.Timestamp
	}
	return r.Snapshot.Timestamp
}

// Command genstorm writes a synthetic storm file for replay. The storm
// approaches from far away, lingers at its closest distance, then departs,
// with strikes spread randomly through each phase.
//
// Usage:
//
//	go run ./cmd/genstorm -out data/storm.dat \
//	  -approach 20m -closest 10m -departure 25m \
//	  -strikes 40,60,30 -far 40 -near 5 -seed 7
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/sensor"
)

// phase is one leg of the storm. Distance moves linearly from fromKm to toKm
// over the phase duration.
type phase struct {
	name      string
	duration  time.Duration
	strikes   int
	fromKm    float64
	toKm      float64
	minEnergy int
	maxEnergy int
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "-", "output path for the storm file (- for stdout)")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	approach := flag.Duration("approach", 20*time.Minute, "time for the storm to reach its closest distance")
	closest := flag.Duration("closest", 10*time.Minute, "time spent at the closest distance")
	departure := flag.Duration("departure", 20*time.Minute, "time for the storm to move out of range")
	strikes := flag.String("strikes", "30,50,30", "strike counts for approach,closest,departure")
	energy := flag.String("energy", "1000-50000,20000-300000,500-30000", "energy ranges for approach,closest,departure")
	far := flag.Float64("far", 40, "starting and ending distance in km")
	near := flag.Float64("near", 5, "closest distance in km")
	flag.Parse()

	plan, err := buildPlan(*approach, *closest, *departure, *strikes, *energy, *far, *near)
	if err != nil {
		flag.Usage()
		return err
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)) //nolint:gosec // synthetic test data
	records := generate(plan, rng)

	comments := []string{
		"synthetic storm generated by genstorm",
		fmt.Sprintf("seed %d, far %g km, near %g km", *seed, *far, *near),
	}
	for _, p := range plan {
		comments = append(comments, fmt.Sprintf("%s: %s, %d strikes, energy %d-%d", p.name, p.duration, p.strikes, p.minEnergy, p.maxEnergy))
	}
	comments = append(comments, "record-nbr, time-seconds, distance-km, energy")

	if err := write(*out, comments, records); err != nil {
		return fmt.Errorf("writing storm file: %w", err)
	}
	log.Printf("wrote %d detections spanning %s to %s", len(records), totalDuration(plan), *out)
	return nil
}

func buildPlan(approach, closest, departure time.Duration, strikes, energy string, far, near float64) ([]phase, error) {
	if far <= near || near < 0 {
		return nil, fmt.Errorf("-far (%g) must be greater than -near (%g) and -near non-negative", far, near)
	}
	counts, err := parseCounts(strikes)
	if err != nil {
		return nil, err
	}
	ranges, err := parseRanges(energy)
	if err != nil {
		return nil, err
	}

	plan := []phase{
		{name: "approach", duration: approach, strikes: counts[0], fromKm: far, toKm: near},
		{name: "closest", duration: closest, strikes: counts[1], fromKm: near, toKm: near},
		{name: "departure", duration: departure, strikes: counts[2], fromKm: near, toKm: far},
	}
	for i := range plan {
		if plan[i].duration <= 0 {
			return nil, fmt.Errorf("%s duration must be positive", plan[i].name)
		}
		plan[i].minEnergy, plan[i].maxEnergy = ranges[i][0], ranges[i][1]
	}
	return plan, nil
}

func parseCounts(s string) ([3]int, error) {
	var counts [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return counts, fmt.Errorf("-strikes needs three comma-separated counts, got %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return counts, fmt.Errorf("-strikes: invalid count %q", p)
		}
		counts[i] = n
	}
	return counts, nil
}

func parseRanges(s string) ([3][2]int, error) {
	var ranges [3][2]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return ranges, fmt.Errorf("-energy needs three comma-separated min-max ranges, got %q", s)
	}
	for i, p := range parts {
		lo, hi, ok := strings.Cut(strings.TrimSpace(p), "-")
		if !ok {
			return ranges, fmt.Errorf("-energy: invalid range %q", p)
		}
		minE, err1 := strconv.Atoi(lo)
		maxE, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || minE < 0 || maxE < minE {
			return ranges, fmt.Errorf("-energy: invalid range %q", p)
		}
		ranges[i] = [2]int{minE, maxE}
	}
	return ranges, nil
}

// generate places each phase's strikes at random times within the phase and
// snaps their distance to the code the sensor would report.
func generate(plan []phase, rng *rand.Rand) []sensor.StormRecord {
	var records []sensor.StormRecord //nolint:prealloc // size depends on the plan
	var start time.Duration
	for _, p := range plan {
		offsets := make([]time.Duration, p.strikes)
		for i := range offsets {
			offsets[i] = time.Duration(rng.Int64N(int64(p.duration)))
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

		for _, off := range offsets {
			frac := float64(off) / float64(p.duration)
			km := p.fromKm + (p.toKm-p.fromKm)*frac
			// Distance estimates wobble by a couple of km strike to strike.
			km = max(0, km+(rng.Float64()*4-2))

			records = append(records, sensor.StormRecord{
				Number:   len(records) + 1,
				Offset:   (start + off).Truncate(time.Millisecond),
				Distance: domain.NearestDistanceCode(km),
				Energy:   p.minEnergy + rng.IntN(p.maxEnergy-p.minEnergy+1),
			})
		}
		start += p.duration
	}
	return records
}

func totalDuration(plan []phase) time.Duration {
	var d time.Duration
	for _, p := range plan {
		d += p.duration
	}
	return d
}

func write(path string, comments []string, records []sensor.StormRecord) error {
	if path == "-" {
		return sensor.WriteStormFile(os.Stdout, comments, records)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := sensor.WriteStormFile(f, comments, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

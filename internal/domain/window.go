package domain

import "time"

// Window is a chronological log of detections for the current period.
// It is not safe for concurrent use.
type Window struct {
	entries []Detection
	last    time.Time
}

// NewWindow returns an empty window.
func NewWindow() *Window {
	return &Window{}
}

// Append adds d to the end of the window. It fails with *OutOfOrderError if d
// is stamped before the last detection appended, even if that detection has
// since been evicted.
func (w *Window) Append(d Detection) error {
	if d.Timestamp.Before(w.last) {
		return &OutOfOrderError{Timestamp: d.Timestamp, Last: w.last}
	}
	w.entries = append(w.entries, d)
	w.last = d.Timestamp
	return nil
}

// EvictOlderThan drops the prefix of detections stamped at or before cutoff
// and returns how many were dropped. A period timer that fires exactly one
// period after a detection therefore ages that detection out.
func (w *Window) EvictOlderThan(cutoff time.Time) int {
	n := 0
	for n < len(w.entries) && !w.entries[n].Timestamp.After(cutoff) {
		n++
	}
	if n == 0 {
		return 0
	}
	// Shift rather than reslice so the backing array does not grow without
	// bound over a long storm.
	remaining := copy(w.entries, w.entries[n:])
	clear(w.entries[remaining:])
	w.entries = w.entries[:remaining]
	return n
}

// Snapshot returns a copy of the detections oldest-first.
func (w *Window) Snapshot() []Detection {
	out := make([]Detection, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len returns the number of detections held.
func (w *Window) Len() int { return len(w.entries) }

// Last returns the timestamp of the most recent append, zero if none.
func (w *Window) Last() time.Time { return w.last }

// Clear empties the window and forgets the ordering watermark.
func (w *Window) Clear() {
	clear(w.entries)
	w.entries = w.entries[:0]
	w.last = time.Time{}
}

// Package window keeps the recent history of one range source.
package window

import "time"

// Entry is one buffered sample.
type Entry struct {
	Time     time.Time
	Distance float64
}

// Buffer retains samples no older than horizon relative to the newest
// update. Entries are kept in insertion order and only ever removed from
// the front, by age.
type Buffer struct {
	horizon time.Duration
	entries []Entry
}

// New creates an empty buffer.
func New(horizon time.Duration) *Buffer {
	return &Buffer{horizon: horizon}
}

// Update appends a sample and evicts every entry older than t - horizon.
func (b *Buffer) Update(t time.Time, distance float64) {
	b.entries = append(b.entries, Entry{Time: t, Distance: distance})

	cutoff := t.Add(-b.horizon)
	drop := 0
	for drop < len(b.entries) && b.entries[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(b.entries, b.entries[drop:])
		b.entries = b.entries[:n]
	}
}

// Snapshot returns the retained distances in order, or nil when empty.
func (b *Buffer) Snapshot() []float64 {
	if len(b.entries) == 0 {
		return nil
	}
	out := make([]float64, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Distance
	}
	return out
}

// Entries returns a copy of the retained entries.
func (b *Buffer) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int { return len(b.entries) }

// Horizon returns the configured horizon.
func (b *Buffer) Horizon() time.Duration { return b.horizon }

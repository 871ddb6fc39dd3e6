package playback

import "time"

// Timeline is the bump allocator for scheduled output. Buffers enqueued in
// order without interruption are placed back to back: the start of each one
// is the end of the previous one, unless the output clock has already moved
// past that point, in which case playback resumes at the current time.
//
// The zero value is an unset timeline; the first Schedule call starts at now.
type Timeline struct {
	next time.Duration
}

// Schedule reserves d of output time and returns its start,
// max(next, now). next advances to start+d.
func (t *Timeline) Schedule(now, d time.Duration) time.Duration {
	start := max(t.next, now)
	t.next = start + d
	return start
}

// Next returns the earliest time the next buffer may start.
func (t *Timeline) Next() time.Duration { return t.next }

// Reset unsets the timeline. The next Schedule call recomputes its start from
// the output clock.
func (t *Timeline) Reset() { t.next = 0 }

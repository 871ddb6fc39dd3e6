// Package sfx defines the short feedback cues of the assistant: mute,
// unmute and message received. It renders them as PCM and declares the
// [Player] interface; the device-backed player lives in sfx/speaker so
// that packages using only [Player] build without cgo.
package sfx

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Cue names a feedback sound.
type Cue int

const (
	// Mute is a falling two-note chirp.
	Mute Cue = iota

	// Unmute is a rising two-note chirp.
	Unmute

	// Receive is a single soft blip.
	Receive
)

// String returns the lower-case cue name.
func (c Cue) String() string {
	switch c {
	case Mute:
		return "mute"
	case Unmute:
		return "unmute"
	case Receive:
		return "receive"
	default:
		return "unknown"
	}
}

// Player plays cues. Play must not block on playback.
type Player interface {
	Play(c Cue)
}

// Nop is a Player that plays nothing.
type Nop struct{}

// Play implements [Player].
func (Nop) Play(Cue) {}

// note is one segment of a cue.
type note struct {
	freq float64
	dur  time.Duration
}

var cues = map[Cue][]note{
	Mute:    {{880, 60 * time.Millisecond}, {440, 90 * time.Millisecond}},
	Unmute:  {{440, 60 * time.Millisecond}, {880, 90 * time.Millisecond}},
	Receive: {{1320, 70 * time.Millisecond}},
}

// Render synthesises c as mono int16 little-endian PCM at rate Hz with a
// short linear fade on every note edge.
func Render(c Cue, rate int, gain float64) []byte {
	var buf bytes.Buffer
	for _, n := range cues[c] {
		frames := int(n.dur * time.Duration(rate) / time.Second)
		fade := max(frames/10, 1)
		for i := range frames {
			env := 1.0
			if i < fade {
				env = float64(i) / float64(fade)
			} else if frames-i <= fade {
				env = float64(frames-i-1) / float64(fade)
			}
			v := gain * env * math.Sin(2*math.Pi*n.freq*float64(i)/float64(rate))
			_ = binary.Write(&buf, binary.LittleEndian, int16(math.Round(v*32767)))
		}
	}
	return buf.Bytes()
}

// Package speaker plays feedback cues on the default output device through
// an oto context, independently of any call's output device.
package speaker

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/harvic/pkg/audio/sfx"
)

const (
	defaultRate = 24000
	defaultGain = 0.2
)

// Speaker plays cues on the default output device.
type Speaker struct {
	ctx  *oto.Context
	rate int
	gain float64

	mu      sync.Mutex
	pcm     map[sfx.Cue][]byte
	players []*oto.Player
	closed  bool
}

var _ sfx.Player = (*Speaker)(nil)

// settings falls back to the defaults for a non-positive rate or a gain
// outside (0, 1].
func settings(rate int, gain float64) (int, float64) {
	if rate <= 0 {
		rate = defaultRate
	}
	if gain <= 0 || gain > 1 {
		gain = defaultGain
	}
	return rate, gain
}

// Open creates the speaker context. Only one may exist per process.
func Open(rate int, gain float64) (*Speaker, error) {
	rate, gain = settings(rate, gain)
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: open: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, rate: rate, gain: gain, pcm: make(map[sfx.Cue][]byte)}, nil
}

// Play implements [sfx.Player]. Finished players are reclaimed on the next
// call.
func (s *Speaker) Play(c sfx.Cue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pcm, ok := s.pcm[c]
	if !ok {
		pcm = sfx.Render(c, s.rate, s.gain)
		s.pcm[c] = pcm
	}

	live := s.players[:0]
	for _, p := range s.players {
		if p.IsPlaying() {
			live = append(live, p)
			continue
		}
		if err := p.Close(); err != nil {
			slog.Debug("speaker: close player", "err", err)
		}
	}
	s.players = live

	p := s.ctx.NewPlayer(bytes.NewReader(pcm))
	p.Play()
	s.players = append(s.players, p)
}

// Close stops every cue that is still playing.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, p := range s.players {
		_ = p.Close()
	}
	s.players = nil
	return nil
}

package audio

import (
	"encoding/binary"
	"sync"
	"time"
)

const (
	DefaultSilenceThreshold = 500
	DefaultSilenceDuration  = 2 * time.Second
)

// SilenceGate decides when a stream of PCM chunks has gone quiet for long
// enough to end the utterance. It fires at most once until Reset.
type SilenceGate struct {
	threshold int
	duration  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	silenceStart time.Time
	fired        bool
}

type GateOption func(*SilenceGate)

// WithClock replaces the wall clock used by Observe.
func WithClock(now func() time.Time) GateOption {
	return func(g *SilenceGate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewSilenceGate(threshold int, duration time.Duration, opts ...GateOption) *SilenceGate {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	if duration <= 0 {
		duration = DefaultSilenceDuration
	}
	g := &SilenceGate{threshold: threshold, duration: duration, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *SilenceGate) Threshold() int          { return g.threshold }
func (g *SilenceGate) Duration() time.Duration { return g.duration }

// Classify reports whether every 16-bit little-endian sample in pcm has an
// absolute value below the threshold. An empty chunk is silent. A trailing
// odd byte is ignored.
func (g *SilenceGate) Classify(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if sample < 0 {
			sample = -sample
		}
		if sample >= g.threshold {
			return false
		}
	}
	return true
}

// Observe feeds one classification result and reports whether the utterance
// has just completed.
func (g *SilenceGate) Observe(silent bool) bool {
	return g.ObserveAt(silent, g.now())
}

func (g *SilenceGate) ObserveAt(silent bool, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired {
		return false
	}
	if !silent {
		g.silenceStart = time.Time{}
		return false
	}
	if g.silenceStart.IsZero() {
		g.silenceStart = now
	}
	if now.Sub(g.silenceStart) >= g.duration {
		g.fired = true
		return true
	}
	return false
}

// Reset clears the silence window and re-arms completion for a new session.
func (g *SilenceGate) Reset() {
	g.mu.Lock()
	g.silenceStart = time.Time{}
	g.fired = false
	g.mu.Unlock()
}

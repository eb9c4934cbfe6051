// Package gate filters a device's sensor stream so that samples recorded
// while the device was being handled never reach roughness scoring.
//
// Samples are held for the trim interval before release. A handling event
// purges everything still held and blocks new samples until the trim
// interval after the last handling sample has elapsed.
package gate

import (
	"fmt"
	"math"
	"time"
)

// DefaultTrim is the lookback applied around handling events.
const DefaultTrim = time.Second

// State is the gate's handling state.
type State int

// Gate states.
const (
	StateClear State = iota
	StateHandling
	StatePost
)

func (s State) String() string {
	switch s {
	case StateClear:
		return "clear"
	case StateHandling:
		return "handling"
	case StatePost:
		return "post"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sample is one sensor reading.
type Sample struct {
	TimestampMs float64
	Value       any
}

// PushResult reports what a single Push released and discarded.
type PushResult struct {
	Emitted *Sample
	Dropped int
}

// Option configures a Gate.
type Option func(*Gate)

// WithTrim sets the lookback interval. Negative values are ignored.
func WithTrim(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.trimMs = float64(d) / float64(time.Millisecond)
		}
	}
}

// Gate is a sequential filter for one device stream. Samples must be pushed
// in non-decreasing timestamp order. Not safe for concurrent use.
type Gate struct {
	trimMs       float64
	state        State
	buffer       []Sample
	blockUntil   float64
	lastHandling float64
}

// New creates a gate in the clear state.
func New(opts ...Option) *Gate {
	g := &Gate{trimMs: float64(DefaultTrim / time.Millisecond)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Push feeds one sample. It fails with ErrInvalidTimestamp when the
// timestamp is NaN or infinite; the caller should stop that stream.
func (g *Gate) Push(s Sample, isHandling bool) (PushResult, error) {
	ts := s.TimestampMs
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return PushResult{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, ts)
	}

	var res PushResult
	if isHandling {
		if g.state != StateHandling {
			res.Dropped += len(g.buffer)
			g.buffer = g.buffer[:0]
			g.state = StateHandling
		}
		res.Dropped++
		g.lastHandling = ts
		return res, nil
	}

	if g.state == StateHandling {
		g.blockUntil = g.lastHandling + g.trimMs
		g.state = StatePost
	}
	if g.state == StatePost {
		if ts < g.blockUntil {
			res.Dropped++
			return res, nil
		}
		g.state = StateClear
	}

	g.buffer = append(g.buffer, s)
	if ts-g.buffer[0].TimestampMs > g.trimMs {
		head := g.buffer[0]
		g.buffer = g.buffer[:copy(g.buffer, g.buffer[1:])]
		res.Emitted = &head
	}
	return res, nil
}

// Flush releases every held sample in order and leaves the gate clear.
// Call it at the end of a stream; samples held during post or handling
// were already discarded.
func (g *Gate) Flush() []Sample {
	out := make([]Sample, len(g.buffer))
	copy(out, g.buffer)
	g.Reset()
	return out
}

// Reset clears all state.
func (g *Gate) Reset() {
	g.state = StateClear
	g.buffer = g.buffer[:0]
	g.blockUntil = 0
	g.lastHandling = 0
}

// State returns the current state.
func (g *Gate) State() State {
	return g.state
}

// Buffered returns the number of samples held for delayed release.
func (g *Gate) Buffered() int {
	return len(g.buffer)
}

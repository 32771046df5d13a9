// Package sensor accumulates pointer, touch, keyboard, scroll and focus
// signals into the raw and derived series that feature extraction reads.
package sensor

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"captchify/internal/logging"
)

const (
	// JitterDistance is the move distance in pixels below which a move counts
	// as jitter.
	JitterDistance = 2.0
	// IdleGap is the pause in milliseconds after which the next move counts as
	// an idle event.
	IdleGap = 160.0
)

// Sample is one raw pointer or touch position.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"`
}

// Counters are the monotonic event tallies of a session.
type Counters struct {
	Moves        int
	Jitter       int
	Idle         int
	Scrolls      int
	Keys         int
	FocusChanges int
	Blurs        int
	Touches      int
}

// Snapshot is an independent copy of everything the aggregator has recorded.
type Snapshot struct {
	Samples       []Sample
	PathLength    float64
	Speeds        []float64
	Angles        []float64
	Intervals     []float64
	Accelerations []float64
	KeyTimes      []float64
	Counters      Counters
}

// Aggregator is the session-long input recorder. Handle never blocks on
// anything but its own mutex and never drops an event.
type Aggregator struct {
	mu sync.Mutex

	samples       []Sample
	pathLength    float64
	speeds        []float64
	angles        []float64
	intervals     []float64
	accelerations []float64
	keyTimes      []float64
	counters      Counters

	hasLast    bool
	last       Sample
	lastMoveAt float64

	logger *zap.Logger
}

// NewAggregator creates an empty aggregator. startedAt seeds the idle timer,
// mirroring a widget that starts its clock at mount.
func NewAggregator(startedAt float64, logger *zap.Logger) *Aggregator {
	return &Aggregator{lastMoveAt: startedAt, logger: logging.OrNop(logger)}
}

// Handle records one event.
func (a *Aggregator) Handle(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case PointerMove:
		a.move(ev.T, ev.X, ev.Y)
	case TouchMove:
		a.move(ev.T, ev.X, ev.Y)
		a.counters.Touches++
	case Scroll:
		a.counters.Scrolls++
	case KeyDown:
		a.counters.Keys++
		a.keyTimes = append(a.keyTimes, ev.T)
	case Focus:
		a.counters.FocusChanges++
	case Blur:
		a.counters.Blurs++
	default:
		a.logger.Debug("Handle: ignoring unknown event kind", zap.String("kind", string(ev.Kind)))
	}
}

func (a *Aggregator) move(t, x, y float64) {
	if a.hasLast {
		dx, dy := x-a.last.X, y-a.last.Y
		dist := math.Hypot(dx, dy)
		dt := math.Max(1, t-a.last.T)
		speed := dist / dt

		a.pathLength += dist
		a.speeds = append(a.speeds, speed)
		a.angles = append(a.angles, math.Atan2(dy, dx))
		a.intervals = append(a.intervals, dt)
		if n := len(a.speeds); n >= 2 {
			a.accelerations = append(a.accelerations, (speed-a.speeds[n-2])/dt)
		}
		if dist < JitterDistance {
			a.counters.Jitter++
		}
		if t-a.lastMoveAt > IdleGap {
			a.counters.Idle++
		}
	}

	a.last = Sample{X: x, Y: y, T: t}
	a.samples = append(a.samples, a.last)
	a.hasLast = true
	a.lastMoveAt = t
	a.counters.Moves++
}

// Run drains src into the aggregator until the source closes or ctx ends.
func (a *Aggregator) Run(ctx context.Context, src Source) error {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.Handle(ev)
		}
	}
}

// Snapshot copies the current state. Later events do not affect the copy.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Samples:       append([]Sample(nil), a.samples...),
		PathLength:    a.pathLength,
		Speeds:        append([]float64(nil), a.speeds...),
		Angles:        append([]float64(nil), a.angles...),
		Intervals:     append([]float64(nil), a.intervals...),
		Accelerations: append([]float64(nil), a.accelerations...),
		KeyTimes:      append([]float64(nil), a.keyTimes...),
		Counters:      a.counters,
	}
}

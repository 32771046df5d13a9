// Package puzzle implements the drag-to-target step-up challenge.
//
// The state machine works purely in logical coordinates and needs no
// drawing surface; a Renderer is told about every visible change.
package puzzle

import (
	"sync"

	"go.uber.org/zap"

	"captchify/internal/logging"
)

type State int

const (
	Idle State = iota
	Dragging
	Solved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Solved:
		return "solved"
	}
	return "unknown"
}

// Machine tracks one puzzle for the lifetime of a session. It is safe for
// concurrent use; callbacks run without the internal lock held.
type Machine struct {
	mu       sync.Mutex
	geo      Geometry
	state    State
	marker   Point
	solved   bool
	renderer Renderer
	onSolved func()
	logger   *zap.Logger
}

// NewMachine returns a machine in Idle with the marker at home and draws
// the initial frame. r may be nil.
func NewMachine(geo Geometry, r Renderer, logger *zap.Logger) *Machine {
	m := &Machine{
		geo:      geo,
		marker:   geo.Marker.Center,
		renderer: r,
		logger:   logging.OrNop(logger),
	}
	m.render(m.frameLocked())
	return m
}

// OnSolved registers fn to run each time a drag ends on the target.
func (m *Machine) OnSolved(fn func()) {
	m.mu.Lock()
	m.onSolved = fn
	m.mu.Unlock()
}

// PointerDown starts a drag when p is on the marker's home position.
func (m *Machine) PointerDown(p Point) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Dragging && m.geo.CanGrab(p) {
		m.state = Dragging
		m.logger.Debug("PointerDown: drag started", zap.Float64("x", p.X), zap.Float64("y", p.Y))
	}
	return m.state
}

// PointerMove follows the pointer while dragging.
func (m *Machine) PointerMove(p Point) {
	m.mu.Lock()
	if m.state != Dragging {
		m.mu.Unlock()
		return
	}
	m.marker = p
	f := m.frameLocked()
	m.mu.Unlock()
	m.render(f)
}

// PointerUp ends a drag. A release on the target solves the puzzle; any
// other release sends the marker home and leaves the solved flag alone.
func (m *Machine) PointerUp(p Point) State {
	m.mu.Lock()
	if m.state != Dragging {
		s := m.state
		m.mu.Unlock()
		return s
	}

	var notify func()
	if m.geo.OnTarget(p) {
		m.state = Solved
		m.solved = true
		m.marker = p
		notify = m.onSolved
		m.logger.Info("PointerUp: puzzle solved")
	} else {
		m.state = Idle
		m.marker = m.geo.Marker.Center
		m.logger.Debug("PointerUp: missed target", zap.Float64("x", p.X), zap.Float64("y", p.Y))
	}
	f, s := m.frameLocked(), m.state
	m.mu.Unlock()

	m.render(f)
	if notify != nil {
		notify()
	}
	return s
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Solved reports whether the puzzle has been completed in this session.
func (m *Machine) Solved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.solved
}

func (m *Machine) Marker() Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marker
}

// Revoke clears the solved flag and puts the marker back home. It exists
// for the reset-on-failed-verify policy; nothing else calls it.
func (m *Machine) Revoke() {
	m.mu.Lock()
	m.solved = false
	m.state = Idle
	m.marker = m.geo.Marker.Center
	f := m.frameLocked()
	m.mu.Unlock()
	m.render(f)
}

func (m *Machine) frameLocked() Frame {
	return Frame{
		Target: Circle{Center: m.geo.Target.Center, R: m.geo.Target.R + targetRingPad},
		Marker: Circle{Center: m.marker, R: m.geo.Marker.R},
		State:  m.state,
	}
}

func (m *Machine) render(f Frame) {
	if m.renderer != nil {
		m.renderer.Render(f)
	}
}

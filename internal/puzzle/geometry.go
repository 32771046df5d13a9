package puzzle

import (
	"math"

	"captchify/internal/config"
)

// Point is a position in logical (CSS pixel) units.
type Point struct {
	X, Y float64
}

func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

type Circle struct {
	Center Point
	R      float64
}

// Contains reports whether p lies within the circle grown by slack.
func (c Circle) Contains(p Point, slack float64) bool {
	return c.Center.Dist(p) <= c.R+slack
}

// Geometry is the fixed layout of one puzzle.
type Geometry struct {
	Marker Circle
	Target Circle
	// Tolerance widens the marker's grab area.
	Tolerance float64
}

// DefaultGeometry matches the stock 320x140 puzzle: a marker on the left,
// a target ring on the right.
func DefaultGeometry() Geometry {
	return FromConfig(config.DefaultConfig().Puzzle)
}

func FromConfig(cfg config.PuzzleConfig) Geometry {
	return Geometry{
		Marker:    Circle{Center: Point{cfg.Marker.X, cfg.Marker.Y}, R: cfg.Marker.R},
		Target:    Circle{Center: Point{cfg.Target.X, cfg.Target.Y}, R: cfg.Target.R},
		Tolerance: cfg.Tolerance,
	}
}

// CanGrab reports whether a press at p picks up the marker from home.
func (g Geometry) CanGrab(p Point) bool {
	return g.Marker.Contains(p, g.Tolerance)
}

// OnTarget reports whether a release at p lands inside the target.
func (g Geometry) OnTarget(p Point) bool {
	return g.Target.Contains(p, 0)
}

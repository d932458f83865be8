// Package geom holds the canvas coordinate spaces and the single place
// where translation between them happens. User-facing coordinates are
// centered on the canvas origin (-extent/2..+extent/2 per axis); the
// render space is the same square shifted to positive-only coordinates.
// Every component that touches geometry goes through this translator so
// positions cannot diverge between sessions.
package geom

import (
	"errors"
	"fmt"
)

var ErrOutOfBounds = errors.New("coordinate outside canvas bounds")

// Point is a position in either coordinate space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Translator maps between the centered user space and the positive-only
// render space. The mapping is a fixed additive offset of half the canvas
// extent per axis, so it is exactly invertible for every in-range point.
type Translator struct {
	extent float64
	clamp  bool
}

// NewTranslator creates a translator for a square canvas of the given
// extent. When clamp is true, out-of-range coordinates are clamped to the
// canvas edge instead of rejected.
func NewTranslator(extent float64, clamp bool) Translator {
	return Translator{extent: extent, clamp: clamp}
}

// Extent returns the canvas width/height.
func (t Translator) Extent() float64 {
	return t.extent
}

// ToRender converts a user-space point into render space.
func (t Translator) ToRender(p Point) (Point, error) {
	checked, err := t.checkUser(p)
	if err != nil {
		return Point{}, err
	}
	half := t.extent / 2
	return Point{X: checked.X + half, Y: checked.Y + half}, nil
}

// ToUser converts a render-space point back into user space. It is the
// exact inverse of ToRender.
func (t Translator) ToUser(p Point) (Point, error) {
	checked, err := t.checkRender(p)
	if err != nil {
		return Point{}, err
	}
	half := t.extent / 2
	return Point{X: checked.X - half, Y: checked.Y - half}, nil
}

func (t Translator) checkUser(p Point) (Point, error) {
	half := t.extent / 2
	if p.X >= -half && p.X <= half && p.Y >= -half && p.Y <= half {
		return p, nil
	}
	if !t.clamp {
		return Point{}, fmt.Errorf("%w: (%g, %g)", ErrOutOfBounds, p.X, p.Y)
	}
	return Point{X: clampTo(p.X, -half, half), Y: clampTo(p.Y, -half, half)}, nil
}

func (t Translator) checkRender(p Point) (Point, error) {
	if p.X >= 0 && p.X <= t.extent && p.Y >= 0 && p.Y <= t.extent {
		return p, nil
	}
	if !t.clamp {
		return Point{}, fmt.Errorf("%w: (%g, %g)", ErrOutOfBounds, p.X, p.Y)
	}
	return Point{X: clampTo(p.X, 0, t.extent), Y: clampTo(p.Y, 0, t.extent)}, nil
}

func clampTo(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

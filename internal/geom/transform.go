// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package geom holds the small value types shared across registration,
// stacking and the FITS store: points and the bilinear Transformation.
package geom

import (
	"fmt"
	"math"
)

// Point is a plain (x,y) pair, used to exchange hot-pixel and matched-pair
// data (spec.md §3).
type Point struct {
	X, Y float64
}

// Transformation maps a source pixel to its location in the reference
// frame via a bilinear polynomial normalized by (XWidth,YWidth):
//
//	X = x/XWidth, Y = y/YWidth
//	xOut = A0 + A1*X + A2*Y + A3*X*Y
//	yOut = B0 + B1*X + B2*Y + B3*X*Y
type Transformation struct {
	A0, A1, A2, A3 float64
	B0, B1, B2, B3 float64
	XWidth, YWidth float64
}

// Identity returns the distinguished identity transform (A1=B2=1, all
// other coefficients zero). XWidth/YWidth default to 1 so Apply is a
// no-op regardless of frame size; callers that need it normalized to a
// specific frame should set XWidth/YWidth themselves.
func Identity() Transformation {
	return Transformation{A1: 1, B2: 1, XWidth: 1, YWidth: 1}
}

// IsIdentity reports whether t is exactly the identity transform.
func (t Transformation) IsIdentity() bool {
	return t.A0 == 0 && t.A1 == 1 && t.A2 == 0 && t.A3 == 0 &&
		t.B0 == 0 && t.B1 == 0 && t.B2 == 1 && t.B3 == 0
}

// Validate checks the XWidth/YWidth > 0 invariant (spec.md §3).
func (t Transformation) Validate() error {
	if t.XWidth <= 0 || t.YWidth <= 0 {
		return fmt.Errorf("geom: transformation normalization extents must be positive, got %g,%g", t.XWidth, t.YWidth)
	}
	return nil
}

// Apply maps a source pixel (x,y) to its destination coordinates.
func (t Transformation) Apply(x, y float64) Point {
	X, Y := x/t.XWidth, y/t.YWidth
	return Point{
		X: t.A0 + t.A1*X + t.A2*Y + t.A3*X*Y,
		Y: t.B0 + t.B1*X + t.B2*Y + t.B3*X*Y,
	}
}

func Dist(a, b Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func DistSquared(a, b Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

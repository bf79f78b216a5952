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

package bitmap

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// LinearToSRGB applies the standard piecewise gamma encoding to a value in
// [0,1] (spec.md §4.1).
func LinearToSRGB(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1.0/2.4) - 0.055
}

// SRGBToLinear applies the inverse of LinearToSRGB.
func SRGBToLinear(v float64) float64 {
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

// clampUnit guards against the float rounding overshoot the piecewise
// formula can produce right at the 0/1 boundary, using go-colorful's
// Color.Clamped() rather than a hand-rolled min/max triple.
func clampUnit(r, g, bch float64) (float64, float64, float64) {
	c := colorful.Color{R: r, G: g, B: bch}.Clamped()
	return c.R, c.G, c.B
}

// SetSpace retags (apply=false) or converts (apply=true) the bitmap's
// color space in place.
func (b *Bitmap) SetSpace(space Space, apply bool) error {
	if apply && space != b.space {
		convert := LinearToSRGB
		if space == SpaceLinear {
			convert = SRGBToLinear
		}
		for y := 0; y < b.height; y++ {
			for x := 0; x < b.width; x++ {
				if b.channels == 1 {
					v := convert(b.Normalized(x, y, 0))
					v, _, _ = clampUnit(v, v, v)
					b.SetNormalized(x, y, 0, v)
				} else {
					r := convert(b.Normalized(x, y, 0))
					g := convert(b.Normalized(x, y, 1))
					bl := convert(b.Normalized(x, y, 2))
					r, g, bl = clampUnit(r, g, bl)
					b.SetNormalized(x, y, 0, r)
					b.SetNormalized(x, y, 1, g)
					b.SetNormalized(x, y, 2, bl)
				}
			}
		}
	}
	b.space = space
	return nil
}

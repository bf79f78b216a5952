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

import "fmt"

// SetRange retags (apply=false) or rescales (apply=true) the bitmap's
// range in place.
func (b *Bitmap) SetRange(rng Range, apply bool) error {
	if err := validateRange(b.depth, rng); err != nil {
		return err
	}
	if apply && rng != b.rng {
		oldMax, newMax := b.rng.Max(), rng.Max()
		for y := 0; y < b.height; y++ {
			for x := 0; x < b.width; x++ {
				for c := 0; c < b.channels; c++ {
					v := b.Raw(x, y, c) / oldMax * newMax
					b.SetRaw(x, y, c, v)
				}
			}
		}
	}
	b.rng = rng
	return nil
}

// RangePolicy selects how SetFromBitmap resolves the destination's range
// tag: keep the destination's own, adopt the source's, or a fixed tag.
type RangePolicy struct {
	kind  rangePolicyKind
	fixed Range
}

type rangePolicyKind uint8

const (
	rangePolicyDest rangePolicyKind = iota
	rangePolicySource
	rangePolicyFixed
)

var RangePolicyDest = RangePolicy{kind: rangePolicyDest}
var RangePolicySource = RangePolicy{kind: rangePolicySource}

func RangePolicyTo(r Range) RangePolicy {
	return RangePolicy{kind: rangePolicyFixed, fixed: r}
}

func (p RangePolicy) resolve(dst, src *Bitmap) (Range, error) {
	switch p.kind {
	case rangePolicyDest:
		return dst.rng, nil
	case rangePolicySource:
		return src.rng, nil
	default:
		return p.fixed, nil
	}
}

// SpacePolicy selects how SetFromBitmap resolves the destination's color
// space tag: keep the destination's own, adopt the source's, or a fixed
// tag.
type SpacePolicy struct {
	kind  spacePolicyKind
	fixed Space
}

type spacePolicyKind uint8

const (
	spacePolicyDest spacePolicyKind = iota
	spacePolicySource
	spacePolicyFixed
)

var SpacePolicyDest = SpacePolicy{kind: spacePolicyDest}
var SpacePolicySource = SpacePolicy{kind: spacePolicySource}

func SpacePolicyTo(s Space) SpacePolicy {
	return SpacePolicy{kind: spacePolicyFixed, fixed: s}
}

func (p SpacePolicy) resolve(dst, src *Bitmap) Space {
	switch p.kind {
	case spacePolicyDest:
		return dst.space
	case spacePolicySource:
		return src.space
	default:
		return p.fixed
	}
}

func (p RangePolicy) String() string {
	switch p.kind {
	case rangePolicyDest:
		return "DEST"
	case rangePolicySource:
		return "SOURCE"
	default:
		return fmt.Sprintf("FIXED(%d)", p.fixed)
	}
}

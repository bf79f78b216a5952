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
	"fmt"

	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// SetFromBitmap converts src into b in a single pass: depth and channel
// count follow b's own tags, range and color space follow the given
// policies. On failure b is left unchanged (spec.md §4.1).
//
// This is the 5(depth)x5(depth)x2(space) conversion matrix spec.md §9
// calls for, implemented once and indexed by the (depth,range,space) tag
// pairs rather than by downcasting a CRTP hierarchy.
func (b *Bitmap) SetFromBitmap(src *Bitmap, rangePolicy RangePolicy, spacePolicy SpacePolicy) error {
	newRange, err := rangePolicy.resolve(b, src)
	if err != nil {
		return err
	}
	if err := validateRange(b.depth, newRange); err != nil {
		return err
	}
	newSpace := spacePolicy.resolve(b, src)

	width, height := src.width, src.height
	out := &Bitmap{channels: b.channels, depth: b.depth, rng: newRange, space: newSpace}
	if err := out.Resize(width, height); err != nil {
		return err
	}

	needGamma := newSpace != src.space
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < out.channels; c++ {
				v := sampleChannel(src, x, y, c, out.channels) // normalized [0,1], src space
				if needGamma {
					if newSpace == SpaceSRGB {
						v = LinearToSRGB(v)
					} else {
						v = SRGBToLinear(v)
					}
					v, _, _ = clampUnit(v, v, v)
				}
				out.SetNormalized(x, y, c, v)
			}
		}
	}

	*b = *out
	return nil
}

// sampleChannel reads a normalized [0,1] sample for output channel c of
// dstChannels from src, expanding gray to color (replicate) or reducing
// color to gray (average) as needed.
func sampleChannel(src *Bitmap, x, y, c, dstChannels int) float64 {
	if src.channels == dstChannels {
		return src.Normalized(x, y, c)
	}
	if src.channels == 1 && dstChannels == 3 {
		return src.Normalized(x, y, 0)
	}
	if src.channels == 3 && dstChannels == 1 {
		return src.Luminance(x, y)
	}
	panic(fmt.Sprintf("bitmap: unsupported channel conversion %d->%d", src.channels, dstChannels))
}

// Channel returns a new single-channel bitmap holding a copy of channel i.
func (b *Bitmap) Channel(i int) (*Bitmap, error) {
	if i < 0 || i >= b.channels {
		return nil, fmt.Errorf("bitmap: channel %d out of range [0,%d): %w", i, b.channels, xerrors.ErrFormat)
	}
	out := &Bitmap{channels: 1, depth: b.depth, rng: b.rng, space: b.space}
	if err := out.Resize(b.width, b.height); err != nil {
		return nil, err
	}
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			out.SetRaw(x, y, 0, b.Raw(x, y, i))
		}
	}
	return out, nil
}

// SetChannel replaces channel i with gray, which must match b in size,
// depth and range.
func (b *Bitmap) SetChannel(i int, gray *Bitmap) error {
	if i < 0 || i >= b.channels {
		return fmt.Errorf("bitmap: channel %d out of range [0,%d): %w", i, b.channels, xerrors.ErrFormat)
	}
	if gray.channels != 1 {
		return fmt.Errorf("bitmap: SetChannel source must be single-channel: %w", xerrors.ErrFormat)
	}
	if gray.width != b.width || gray.height != b.height {
		return fmt.Errorf("bitmap: SetChannel size mismatch %dx%d != %dx%d: %w", gray.width, gray.height, b.width, b.height, xerrors.ErrFormat)
	}
	if gray.depth != b.depth {
		return fmt.Errorf("bitmap: SetChannel depth mismatch: %w", xerrors.ErrFormat)
	}
	if gray.rng != b.rng {
		return fmt.Errorf("bitmap: SetChannel range mismatch: %w", xerrors.ErrFormat)
	}
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			b.SetRaw(x, y, i, gray.Raw(x, y, 0))
		}
	}
	return nil
}

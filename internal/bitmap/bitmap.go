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

// Package bitmap is the typed 2D pixel buffer at the base of the pipeline
// (component A). Rather than the CRTP template hierarchy of the original
// C++ source, depth/channels/range/space are runtime tags on a single
// Bitmap type, and conversions dispatch on the tag pair instead of
// downcasting (spec.md §9 "Design notes").
package bitmap

import (
	"fmt"

	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// Depth is the per-channel sample storage type.
type Depth uint8

const (
	Depth8  Depth = iota // uint8
	Depth16              // uint16
	Depth32U             // uint32
	Depth32F             // float32
	Depth64F             // float64
)

// BytesPerSample returns the storage width of one channel sample.
func (d Depth) BytesPerSample() int {
	switch d {
	case Depth8:
		return 1
	case Depth16:
		return 2
	case Depth32U, Depth32F:
		return 4
	case Depth64F:
		return 8
	default:
		panic(fmt.Sprintf("bitmap: unknown depth %d", d))
	}
}

// IsFloat reports whether the depth stores IEEE floating point samples.
func (d Depth) IsFloat() bool {
	return d == Depth32F || d == Depth64F
}

// Capacity returns the largest representable value for an integer depth,
// or +Inf for floating point depths, which may hold any range tag.
func (d Depth) Capacity() float64 {
	switch d {
	case Depth8:
		return 255
	case Depth16:
		return 65535
	case Depth32U:
		return 4294967295
	default:
		return maxFloat
	}
}

const maxFloat = 1.7976931348623157e+308

// Range tags the domain of values stored in a bitmap's samples.
type Range uint8

const (
	RangeByte   Range = iota // 0..255
	RangeUShort              // 0..65535
	RangeUInt                // 0..2^32-1
	RangeOne                 // 0.0..1.0
)

// Max returns the upper bound of the range's domain.
func (r Range) Max() float64 {
	switch r {
	case RangeByte:
		return 255
	case RangeUShort:
		return 65535
	case RangeUInt:
		return 4294967295
	case RangeOne:
		return 1.0
	default:
		panic(fmt.Sprintf("bitmap: unknown range %d", r))
	}
}

// Space tags the color space samples are encoded in.
type Space uint8

const (
	SpaceLinear Space = iota
	SpaceSRGB
)

// Bitmap is a 2D array of 1- or 3-channel pixels of a given depth, range
// and color space, with an explicit row stride so padded buffers from
// external sources round-trip untouched.
type Bitmap struct {
	width, height int
	channels       int
	depth          Depth
	rng            Range
	space          Space
	stride         int // bytes per row; >= width*channels*BytesPerSample
	data           []byte
}

// New allocates a zero-filled bitmap of the given shape and tags, with a
// tightly packed stride.
func New(width, height, channels int, depth Depth, rng Range, space Space) (*Bitmap, error) {
	if err := validateRange(depth, rng); err != nil {
		return nil, err
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("bitmap: channels must be 1 or 3, got %d: %w", channels, xerrors.ErrFormat)
	}
	b := &Bitmap{channels: channels, depth: depth, rng: rng, space: space}
	if err := b.Resize(width, height); err != nil {
		return nil, err
	}
	return b, nil
}

func validateRange(depth Depth, rng Range) error {
	if !depth.IsFloat() {
		if rng == RangeOne {
			return fmt.Errorf("bitmap: ONE range not allowed for integer depth: %w", xerrors.ErrFormat)
		}
		if rng.Max() > depth.Capacity() {
			return fmt.Errorf("bitmap: range exceeds depth capacity: %w", xerrors.ErrFormat)
		}
	}
	return nil
}

// Resize reallocates the bitmap to the given dimensions, zero-filling the
// buffer. An optional stride (in bytes) overrides the default tightly
// packed row size; it must be at least width*channels*bytesPerSample.
func (b *Bitmap) Resize(width, height int, strideOpt ...int) error {
	minStride := width * b.channels * b.depth.BytesPerSample()
	stride := minStride
	if len(strideOpt) > 0 {
		stride = strideOpt[0]
		if stride < minStride {
			return fmt.Errorf("bitmap: stride %d smaller than minimum %d: %w", stride, minStride, xerrors.ErrFormat)
		}
	}
	b.width, b.height, b.stride = width, height, stride
	b.data = make([]byte, stride*height)
	return nil
}

// SetFromBuffer copies an external buffer of matching depth/channels into
// the bitmap, reallocating to the given dimensions/stride.
func (b *Bitmap) SetFromBuffer(buf []byte, width, height int, strideOpt ...int) error {
	minStride := width * b.channels * b.depth.BytesPerSample()
	stride := minStride
	if len(strideOpt) > 0 {
		stride = strideOpt[0]
		if stride < minStride {
			return fmt.Errorf("bitmap: stride %d smaller than minimum %d: %w", stride, minStride, xerrors.ErrFormat)
		}
	}
	if len(buf) < stride*height {
		return fmt.Errorf("bitmap: buffer too small for %dx%d at stride %d: %w", width, height, stride, xerrors.ErrFormat)
	}
	b.width, b.height, b.stride = width, height, stride
	b.data = make([]byte, stride*height)
	copy(b.data, buf[:stride*height])
	return nil
}

func (b *Bitmap) Width() int      { return b.width }
func (b *Bitmap) Height() int     { return b.height }
func (b *Bitmap) Channels() int   { return b.channels }
func (b *Bitmap) Depth() Depth    { return b.depth }
func (b *Bitmap) RangeTag() Range { return b.rng }
func (b *Bitmap) SpaceTag() Space { return b.space }
func (b *Bitmap) Stride() int     { return b.stride }

// Bytes exposes the raw backing buffer (stride*height bytes, row padding
// included). Callers must not retain it past the bitmap's next mutation.
func (b *Bitmap) Bytes() []byte { return b.data }

// Clone returns a deep copy, preserving stride exactly.
func (b *Bitmap) Clone() *Bitmap {
	out := &Bitmap{
		width: b.width, height: b.height, channels: b.channels,
		depth: b.depth, rng: b.rng, space: b.space, stride: b.stride,
		data: make([]byte, len(b.data)),
	}
	copy(out.data, b.data)
	return out
}

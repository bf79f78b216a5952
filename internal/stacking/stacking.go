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

// Package stacking is the incremental stacking engine (component D):
// per-channel background calibration against a reference frame, inverse
// warp-and-accumulate into a running mean, and an atomic write of the
// result. Adapted from the teacher's internal/ops/stack package (running
// mean/sigma-clip accumulation over batches of already-aligned frames);
// this package instead accumulates one already-registered frame at a
// time, as spec.md §4.4 requires for live, incremental stacking.
package stacking

import (
	"fmt"
	"os"

	"github.com/Kanma/astrophoto-toolbox/internal/bitmap"
	"github.com/Kanma/astrophoto-toolbox/internal/fitsstore"
	"github.com/Kanma/astrophoto-toolbox/internal/geom"
	"github.com/Kanma/astrophoto-toolbox/internal/mathutil"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// Stacker maintains the running-mean output image and per-channel
// background calibration parameters captured from the reference frame
// (spec.md §4.4).
type Stacker struct {
	width, height, channels int
	depth                   bitmap.Depth
	rng                     bitmap.Range
	space                   bitmap.Space

	accum []float64 // channel-major running mean, len = channels*width*height
	count int

	calibration fitsstore.BackgroundCalibration
	haveCalib   bool
}

// New creates an empty stacker for output images of the given shape.
func New(width, height, channels int, depth bitmap.Depth, rng bitmap.Range, space bitmap.Space) *Stacker {
	return &Stacker{
		width: width, height: height, channels: channels,
		depth: depth, rng: rng, space: space,
		accum: make([]float64, channels*width*height),
	}
}

// Count is the number of frames stacked so far.
func (s *Stacker) Count() int { return s.count }

// Calibration returns the background calibration parameters captured
// from the reference frame (valid once Count() > 0).
func (s *Stacker) Calibration() fitsstore.BackgroundCalibration { return s.calibration }

// medianAndMax computes the per-channel background (median) and max for
// calibration, given a bitmap's raw samples.
func medianAndMax(bmp *bitmap.Bitmap, channel int) (median, max float64) {
	w, h := bmp.Width(), bmp.Height()
	vals := make([]float64, 0, w*h)
	max = 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := bmp.Raw(x, y, channel)
			vals = append(vals, v)
			if v > max {
				max = v
			}
		}
	}
	return mathutil.MedianFloat64(vals), max
}

// AddFrame accumulates one calibrated, registered frame into the running
// mean (spec.md §4.4). The reference frame must be added first with an
// identity transformation; it defines the calibration parameters that
// subsequent frames are matched against.
func (s *Stacker) AddFrame(bmp *bitmap.Bitmap, trans geom.Transformation) error {
	if bmp.Width() != s.width || bmp.Height() != s.height || bmp.Channels() != s.channels {
		return fmt.Errorf("stacking: frame shape %dx%dx%d does not match stacker %dx%dx%d: %w",
			bmp.Width(), bmp.Height(), bmp.Channels(), s.width, s.height, s.channels, xerrors.ErrFormat)
	}
	if err := trans.Validate(); err != nil {
		return fmt.Errorf("stacking: invalid transformation: %w", err)
	}

	if !s.haveCalib {
		s.calibration = captureCalibration(bmp)
		s.haveCalib = true
	}

	frameCalib := captureCalibration(bmp)
	calibrated := applyBackgroundCalibration(bmp, frameCalib, s.calibration)

	n := float64(s.count)
	for cy := 0; cy < s.height; cy++ {
		for cx := 0; cx < s.width; cx++ {
			for ch := 0; ch < s.channels; ch++ {
				sample := sampleInverse(calibrated, trans, cx, cy, ch)
				idx := (ch*s.height+cy)*s.width + cx
				s.accum[idx] = (s.accum[idx]*n + sample) / (n + 1)
			}
		}
	}
	s.count++
	return nil
}

func captureCalibration(bmp *bitmap.Bitmap) fitsstore.BackgroundCalibration {
	channels := bmp.Channels()
	bg := func(ch int) (float64, float64) {
		if ch >= channels {
			return 0, 0
		}
		return medianAndMax(bmp, ch)
	}
	r, rMax := bg(0)
	g, gMax := bg(minInt(1, channels-1))
	b, bMax := bg(minInt(2, channels-1))
	return fitsstore.BackgroundCalibration{BackgroundR: r, BackgroundG: g, BackgroundB: b, MaxR: rMax, MaxG: gMax, MaxB: bMax}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// applyBackgroundCalibration affine-maps each channel so the frame's
// median background and max match the reference's (spec.md §4.4 step 2).
func applyBackgroundCalibration(bmp *bitmap.Bitmap, frame, ref fitsstore.BackgroundCalibration) *bitmap.Bitmap {
	out := bmp.Clone()
	bgs := [3]float64{frame.BackgroundR, frame.BackgroundG, frame.BackgroundB}
	maxs := [3]float64{frame.MaxR, frame.MaxG, frame.MaxB}
	refBgs := [3]float64{ref.BackgroundR, ref.BackgroundG, ref.BackgroundB}
	refMaxs := [3]float64{ref.MaxR, ref.MaxG, ref.MaxB}

	w, h, c := bmp.Width(), bmp.Height(), bmp.Channels()
	for ch := 0; ch < c; ch++ {
		scale := 1.0
		if maxs[ch] != bgs[ch] {
			scale = (refMaxs[ch] - refBgs[ch]) / (maxs[ch] - bgs[ch])
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := bmp.Raw(x, y, ch)
				out.SetRaw(x, y, ch, (v-bgs[ch])*scale+refBgs[ch])
			}
		}
	}
	return out
}

// sampleInverse computes the source frame coordinates for output pixel
// (xOut,yOut) by numerically inverting the bilinear transformation (no
// closed form exists for the general a3*X*Y term), then bilinearly
// samples the frame, returning black outside its bounds (spec.md §4.4
// step 3).
func sampleInverse(bmp *bitmap.Bitmap, trans geom.Transformation, xOut, yOut, channel int) float64 {
	src := invertBilinear(trans, float64(xOut), float64(yOut))
	return bilinearSample(bmp, src.X, src.Y, channel)
}

// invertBilinear solves T(x,y) = (xOut,yOut) for (x,y) via Newton's
// method, seeded at (xOut,yOut) since the transformation is close to
// identity in the registration regime this engine operates in.
func invertBilinear(t geom.Transformation, xOut, yOut float64) geom.Point {
	x, y := xOut, yOut
	for iter := 0; iter < 20; iter++ {
		p := t.Apply(x, y)
		fx, fy := p.X-xOut, p.Y-yOut
		if fx*fx+fy*fy < 1e-10 {
			break
		}

		const h = 1e-3
		px1 := t.Apply(x+h, y)
		py1 := t.Apply(x, y+h)
		dfxdx, dfydx := (px1.X-p.X)/h, (px1.Y-p.Y)/h
		dfxdy, dfydy := (py1.X-p.X)/h, (py1.Y-p.Y)/h

		det := dfxdx*dfydy - dfxdy*dfydx
		if det == 0 {
			break
		}
		dx := (fx*dfydy - fy*dfxdy) / det
		dy := (fy*dfxdx - fx*dfydx) / det
		x -= dx
		y -= dy
	}
	return geom.Point{X: x, Y: y}
}

func bilinearSample(bmp *bitmap.Bitmap, x, y float64, channel int) float64 {
	w, h := bmp.Width(), bmp.Height()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return 0
	}
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx, fy := x-float64(x0), y-float64(y0)

	v00 := bmp.Raw(x0, y0, channel)
	v10 := bmp.Raw(x1, y0, channel)
	v01 := bmp.Raw(x0, y1, channel)
	v11 := bmp.Raw(x1, y1, channel)

	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy
}

// Output builds a bitmap from the current running mean.
func (s *Stacker) Output() (*bitmap.Bitmap, error) {
	out, err := bitmap.New(s.width, s.height, s.channels, s.depth, s.rng, s.space)
	if err != nil {
		return nil, err
	}
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			for ch := 0; ch < s.channels; ch++ {
				out.SetRaw(x, y, ch, s.accum[(ch*s.height+y)*s.width+x])
			}
		}
	}
	return out, nil
}

// WriteAtomic publishes the current running mean to path via a
// temporary-file-then-rename, keeping the previous stacked.fits readable
// by other threads until the new one lands (spec.md §4.4 step 4, §5).
func (s *Stacker) WriteAtomic(path string) error {
	out, err := s.Output()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	store, err := fitsstore.Create(tmp)
	if err != nil {
		return err
	}
	if err := store.WriteBitmap(out, "", nil); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("stacking: rename %s to %s: %w", tmp, path, xerrors.ErrIO)
	}
	return nil
}

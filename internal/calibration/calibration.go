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

// Package calibration is the light-frame calibration step named in
// spec.md §2's data flow (master-dark subtraction) and §9's glossary
// entry ("subtracting a master dark and applying background calibration
// so frames share the reference's photometric baseline"). The
// photometric-baseline half of that definition is stacking's background
// calibration (internal/stacking); this package owns the master-dark
// side: computing the master dark frame plus its hot-pixel list, and
// subtracting it from a light frame.
package calibration

import (
	"fmt"

	"github.com/Kanma/astrophoto-toolbox/internal/bitmap"
	"github.com/Kanma/astrophoto-toolbox/internal/geom"
	"github.com/Kanma/astrophoto-toolbox/internal/mathutil"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// HotPixelSigma is the number of standard deviations above the mean a
// pixel must exceed, in the master dark, to be flagged as hot.
const HotPixelSigma = 5.0

// ComputeMasterDark averages a batch of dark frames into a master dark
// and flags outlier pixels as hot pixels (spec.md §3 "master_dark.fits —
// final master dark + hot-pixel list"), grounded on the teacher's
// internal/ops/stack running-mean accumulation (generalized here from
// light frames to darks, with no registration step since dark frames
// share the sensor's fixed geometry).
func ComputeMasterDark(darks []*bitmap.Bitmap) (*bitmap.Bitmap, []geom.Point, error) {
	if len(darks) == 0 {
		return nil, nil, fmt.Errorf("calibration: no dark frames supplied: %w", xerrors.ErrInsufficientData)
	}
	w, h, c := darks[0].Width(), darks[0].Height(), darks[0].Channels()
	out, err := bitmap.New(w, h, c, darks[0].Depth(), darks[0].RangeTag(), darks[0].SpaceTag())
	if err != nil {
		return nil, nil, err
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				sum := 0.0
				for _, d := range darks {
					sum += d.Raw(x, y, ch)
				}
				out.SetRaw(x, y, ch, sum/float64(len(darks)))
			}
		}
	}

	hotPixels := detectHotPixels(out)
	return out, hotPixels, nil
}

func detectHotPixels(dark *bitmap.Bitmap) []geom.Point {
	w, h, c := dark.Width(), dark.Height(), dark.Channels()
	vals := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vals = append(vals, dark.Raw(x, y, 0))
		}
	}
	mean := mathutil.MeanFloat64(vals)
	stddev := mathutil.StdDevFloat64(vals, mean)
	threshold := mean + HotPixelSigma*stddev

	var hot []geom.Point
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				if dark.Raw(x, y, ch) > threshold {
					hot = append(hot, geom.Point{X: float64(x), Y: float64(y)})
					break
				}
			}
		}
	}
	return hot
}

// Calibrate subtracts the master dark from a light frame, clamping
// negative results to zero (spec.md §2 data flow: "calibration uses B+A
// and the master dark").
func Calibrate(light, masterDark *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	if light.Width() != masterDark.Width() || light.Height() != masterDark.Height() || light.Channels() != masterDark.Channels() {
		return nil, fmt.Errorf("calibration: light frame shape does not match master dark: %w", xerrors.ErrFormat)
	}
	out := light.Clone()
	w, h, c := light.Width(), light.Height(), light.Channels()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				v := light.Raw(x, y, ch) - masterDark.Raw(x, y, ch)
				if v < 0 {
					v = 0
				}
				out.SetRaw(x, y, ch, v)
			}
		}
	}
	return out, nil
}

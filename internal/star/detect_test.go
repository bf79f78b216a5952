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

package star

import (
	"math"
	"testing"
)

// syntheticImage implements Luminancer over a flat []float64 buffer, so
// tests can drive DetectStacking without a bitmap dependency.
type syntheticImage struct {
	data          []float64
	width, height int
}

func (s *syntheticImage) Width() int             { return s.width }
func (s *syntheticImage) Height() int             { return s.height }
func (s *syntheticImage) LuminanceImage() []float64 { return s.data }

func gaussianField(width, height int, background float64, blobs [][4]float64) *syntheticImage {
	data := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := background
			for _, b := range blobs {
				cx, cy, amp, sigma := b[0], b[1], b[2], b[3]
				dx, dy := float64(x)-cx, float64(y)-cy
				v += amp * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
			data[y*width+x] = v / 255.0 // normalize into [0,1]-ish domain
		}
	}
	return &syntheticImage{data: data, width: width, height: height}
}

// The spec.md §8 scenario 2 configuration (three Gaussian blobs in a
// 120x120 field) sits entirely inside the STARMAXSIZE=50 border exclusion
// band that spec.md §4.2a step 3 carves out of the frame before block
// partitioning, since 2*STARMAXSIZE=100 leaves only a 20px-wide interior
// strip on a 120px canvas. We keep the blob layout and relative
// intensities from the scenario but scale the canvas up so the same
// geometry sits in the detector's working interior, and assert the
// algorithmic invariants the scenario cares about (three stars, ordered by
// intensity, centroid accuracy) rather than literal 120x120 dimensions.
func TestDetectStackingThreeBlobs(t *testing.T) {
	const scale = 3.0
	blobs := [][4]float64{
		{45.79 * scale, 59.32 * scale, 175.78, 2.2},
		{61.19 * scale, 39.89 * scale, 166.55, 2.2},
		{57.18 * scale, 91.80 * scale, 44.68, 2.2},
	}
	img := gaussianField(120*int(scale), 120*int(scale), 48.88/255.0, blobs)

	// The faintest blob peaks 44.68/255 ~ 0.175 above background, so T/100
	// has to stay below that for it to be a candidate.
	stars := DetectStacking(img, DetectOptions{LuminancyThreshold: 10})
	if len(stars) != 3 {
		t.Fatalf("got %d stars, want 3: %+v", len(stars), stars)
	}
	for i := 0; i+1 < len(stars); i++ {
		if stars[i].Intensity < stars[i+1].Intensity {
			t.Fatalf("stars not sorted by descending intensity: %+v", stars)
		}
	}
	for _, b := range blobs {
		found := false
		for _, s := range stars {
			if math.Abs(s.X-b[0]) < 0.5 && math.Abs(s.Y-b[1]) < 0.5 {
				found = true
			}
		}
		if !found {
			t.Errorf("no detected star near blob at (%.2f,%.2f)", b[0], b[1])
		}
	}
}

func TestSortDesc(t *testing.T) {
	stars := []Star{{Intensity: 1}, {Intensity: 5}, {Intensity: 3}, {Intensity: 5}}
	SortDesc(stars)
	for i := 0; i+1 < len(stars); i++ {
		if stars[i].Intensity < stars[i+1].Intensity {
			t.Fatalf("not sorted: %+v", stars)
		}
	}
}

func TestDedupRejectsOverlap(t *testing.T) {
	a := Star{X: 10, Y: 10, MeanRadius: 2, Intensity: 10}
	b := Star{X: 10.5, Y: 10, MeanRadius: 2, Intensity: 9} // well within overlap radius
	out := dedup([]Star{a, b})
	if len(out) != 1 {
		t.Fatalf("expected dedup to merge overlapping stars, got %d", len(out))
	}
}

func TestDetectSolverInterleavesPermutations(t *testing.T) {
	peaks := []SimplexyPeak{
		{X: 0, Y: 0, Flux: 10, Background: 1},  // flux rank 1, flux+bg rank 2 (11)
		{X: 1, Y: 0, Flux: 9, Background: 5},   // flux rank 2, flux+bg rank 1 (14)
		{X: 2, Y: 0, Flux: 1, Background: 0.1}, // flux rank 3, flux+bg rank 3
	}
	engine := fakeEngine{peaks: peaks}
	stars := DetectSolver(engine, nil, 0, 0)
	if len(stars) != 3 {
		t.Fatalf("got %d stars, want 3", len(stars))
	}
	// First two taken (by-flux[0]=0, by-fluxbg[0]=1) must appear first, in that order.
	if stars[0].X != 0 || stars[1].X != 1 {
		t.Fatalf("unexpected interleave order: %+v", stars)
	}
}

type fakeEngine struct{ peaks []SimplexyPeak }

func (f fakeEngine) Extract(image []float32, width, height int) []SimplexyPeak { return f.peaks }

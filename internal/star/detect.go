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
	"sort"

	"github.com/valyala/fastrand"

	"github.com/Kanma/astrophoto-toolbox/internal/mathutil"
)

// StarMaxSize is the radial walk cap, in pixels (spec.md §6).
const StarMaxSize = 50

// RoundnessTolerance is the default |sigmaX-sigmaY| rejection bound: a
// fixed value, not derived from the frame's background noise; callers may
// override it via DetectOptions.
const RoundnessTolerance = 2.0

// direction offsets for the 8-way radial walk: N, E, S, W, NE, NW, SE, SW.
var directions = [8][2]int{
	{0, -1}, {1, 0}, {0, 1}, {-1, 0},
	{1, -1}, {-1, -1}, {1, 1}, {-1, 1},
}

const (
	diagStart = 4 // index of the first diagonal direction above
)

// DetectOptions tunes the stacking-tuned detector (spec.md §4.2a).
type DetectOptions struct {
	// LuminancyThreshold is T in [0,100]; negative means "search for it".
	LuminancyThreshold float64
	RoundnessTolerance float64
}

// luminanceFrame is the scalar working image the detector operates on,
// together with its dimensions.
type luminanceFrame struct {
	data          []float64
	width, height int
}

func (f *luminanceFrame) at(x, y int) float64 {
	if x < 0 || x >= f.width || y < 0 || y >= f.height {
		return math.Inf(-1)
	}
	return f.data[y*f.width+x]
}

// Luminancer is implemented by bitmap.Bitmap; kept as a narrow interface so
// this package does not need to import bitmap for its core algorithm,
// mirroring the way the teacher's star package only depends on
// internal/stats and internal/median, not the image package itself.
type Luminancer interface {
	Width() int
	Height() int
	LuminanceImage() []float64
}

// DetectStacking runs the stacking-tuned star detector over img (spec.md
// §4.2a): background estimation, threshold search, block-partitioned
// radial-walk candidate detection, centroid refinement and dedup.
func DetectStacking(img Luminancer, opts DetectOptions) []Star {
	frame := &luminanceFrame{data: img.LuminanceImage(), width: img.Width(), height: img.Height()}

	background := mathutil.MedianFloat64(frame.data)

	var stars []Star
	if opts.LuminancyThreshold >= 0 && opts.LuminancyThreshold <= 100 {
		stars = detectAtThreshold(frame, background, opts.LuminancyThreshold/100.0, opts)
	} else {
		stars, _ = searchThreshold(frame, background, opts)
	}

	SortDesc(stars)
	return stars
}

// searchThreshold performs the binary search over T in {0..100} described
// in spec.md §4.2a step 2, until the frame yields between 20 and 100
// stars inclusive. It bisects from T=50: too few stars moves to the lower
// half, too many to the upper half, and each midpoint may be randomly
// nudged up by one. Probe results are cached per T. The search stops after
// 12 steps or when a probe yields the same star count as the previous one;
// it only bisects and never doubles T from the top of the range.
func searchThreshold(frame *luminanceFrame, background float64, opts DetectOptions) ([]Star, int) {
	const lo, hi = 20, 100
	probed := map[int][]Star{}

	probe := func(t int) []Star {
		if s, ok := probed[t]; ok {
			return s
		}
		s := detectAtThreshold(frame, background, float64(t)/100.0, opts)
		probed[t] = s
		return s
	}

	rng := fastrand.RNG{}

	low, high := 0, 100
	best := probe(50)
	for iter := 0; iter < 12; iter++ {
		n := len(best)
		if n >= lo && n <= hi {
			return best, (low + high) / 2
		}
		if n < lo {
			// too few stars: threshold too high, search lower half
			high = (low + high) / 2
		} else {
			// too many stars: threshold too low, search upper half
			low = (low + high) / 2
		}
		if low >= high {
			break
		}
		mid := (low + high) / 2
		if mid == (low+high)/2 && rng.Uint32n(2) == 0 && high-low > 1 {
			mid++ // random tie-break between adjacent candidate thresholds
		}
		next := probe(mid)
		if len(next) == len(best) {
			break // converged
		}
		best = next
	}
	return best, (low + high) / 2
}

func detectAtThreshold(frame *luminanceFrame, background, t float64, opts DetectOptions) []Star {
	roundness := opts.RoundnessTolerance
	if roundness <= 0 {
		roundness = RoundnessTolerance
	}
	threshold := background + t

	const maxSize = StarMaxSize
	rectSide := int(5 * maxSize)
	stride := int(2.5 * maxSize)

	var candidates []Star
	for top := maxSize; top < frame.height-maxSize; top += stride {
		for left := maxSize; left < frame.width-maxSize; left += stride {
			bottom := top + rectSide
			if bottom > frame.height-maxSize {
				bottom = frame.height - maxSize
			}
			right := left + rectSide
			if right > frame.width-maxSize {
				right = frame.width - maxSize
			}
			candidates = append(candidates, scanRect(frame, left, top, right, bottom, background, threshold, roundness)...)
		}
	}

	return dedup(candidates)
}

func scanRect(frame *luminanceFrame, left, top, right, bottom int, background, threshold, roundness float64) []Star {
	var out []Star
	for y := top; y < bottom; y++ {
		for x := left; x < right; x++ {
			v := frame.at(x, y)
			if v <= threshold {
				continue
			}
			s, ok := examineCandidate(frame, x, y, background, roundness)
			if ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// examineCandidate performs the 8-way radial walk, shape rejection and
// sub-pixel centroid/roundness computation for one pixel (spec.md §4.2a
// steps 4-5).
func examineCandidate(frame *luminanceFrame, cx, cy int, background, roundness float64) (Star, bool) {
	center := frame.at(cx, cy)
	aboveBackground := center - background
	if aboveBackground <= 0 {
		return Star{}, false
	}
	stopLevel := background + aboveBackground*0.25

	radii := make([]int, 8)
	brighterNeighborCount := 0
	sawBrighterThanCenter := false
	for d, off := range directions {
		r := 0
		for r < StarMaxSize {
			nx, ny := cx+off[0]*(r+1), cy+off[1]*(r+1)
			nv := frame.at(nx, ny)
			if nv > 1.05*center {
				sawBrighterThanCenter = true
			}
			if nv > center {
				brighterNeighborCount++
			}
			if nv < stopLevel {
				break
			}
			r++
		}
		radii[d] = r
	}
	if sawBrighterThanCenter {
		return Star{}, false
	}
	if brighterNeighborCount > 2 {
		return Star{}, false
	}

	maxRadius := 0
	for _, r := range radii {
		if r > maxRadius {
			maxRadius = r
		}
	}
	if maxRadius <= 2 {
		return Star{}, false
	}

	if !cardinalDiagonalAgree(radii) {
		return Star{}, false
	}

	return centroidStar(frame, cx, cy, maxRadius, background, roundness)
}

// cardinalDiagonalAgree checks radii[0:4] (cardinal) against radii[4:8]
// (diagonal) across four progressively looser passes (delta 0..3),
// accepting at the smallest delta that reconciles them.
func cardinalDiagonalAgree(radii []int) bool {
	cardMax, diagMax := 0, 0
	for i := 0; i < 4; i++ {
		if radii[i] > cardMax {
			cardMax = radii[i]
		}
	}
	for i := diagStart; i < 8; i++ {
		if radii[i] > diagMax {
			diagMax = radii[i]
		}
	}
	diff := cardMax - diagMax
	if diff < 0 {
		diff = -diff
	}
	for delta := 0; delta <= 3; delta++ {
		if diff <= delta {
			return true
		}
	}
	return false
}

// centroidStar computes the weighted sub-pixel centroid, per-axis std dev
// and mean radius for a candidate, rejecting on the roundness tolerance.
func centroidStar(frame *luminanceFrame, cx, cy, radius int, background, roundness float64) (Star, bool) {
	var sumW, sumWX, sumWY float64
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			v := frame.at(x, y) - background
			if v <= 0 {
				continue
			}
			sumW += v
			sumWX += v * float64(x)
			sumWY += v * float64(y)
		}
	}
	if sumW <= 0 {
		return Star{}, false
	}
	meanX, meanY := sumWX/sumW, sumWY/sumW

	var sumWXX, sumWYY float64
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			v := frame.at(x, y) - background
			if v <= 0 {
				continue
			}
			dx, dy := float64(x)-meanX, float64(y)-meanY
			sumWXX += v * dx * dx
			sumWYY += v * dy * dy
		}
	}
	sigmaX := math.Sqrt(sumWXX / sumW)
	sigmaY := math.Sqrt(sumWYY / sumW)
	if math.Abs(sigmaX-sigmaY) > roundness {
		return Star{}, false
	}

	meanRadius := 1.5 * (sigmaX + sigmaY) / 2
	return Star{
		X:          meanX,
		Y:          meanY,
		Intensity:  frame.at(cx, cy),
		Quality:    sumW,
		MeanRadius: meanRadius,
	}, true
}

// dedup removes overlapping stars using an ordered-by-x sweep (spec.md
// §4.2a step 6): two stars overlap if distance(a,b) < (ra+rb)*2.35/1.5.
func dedup(stars []Star) []Star {
	ordered := make([]Star, len(stars))
	copy(ordered, stars)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].X < ordered[j].X })

	var accepted []Star
	for _, s := range ordered {
		overlaps := false
		for _, a := range accepted {
			if s.X-a.X > (s.MeanRadius+a.MeanRadius)*2.35/1.5 {
				continue // too far apart in x to overlap
			}
			if Distance(s, a) < (s.MeanRadius+a.MeanRadius)*2.35/1.5 {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, s)
		}
	}
	return accepted
}

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

// Package registration computes a per-frame bilinear Transformation
// against a reference frame via large-triangle voting and sigma-clipping
// refinement (component C, spec.md §4.3). The teacher's internal/star/
// align.go solves a similar problem with KD-tree nearest-neighbor lookup
// and a gonum/optimize Nelder-Mead refinement; this package keeps gonum
// (gonum.org/v1/gonum/mat) for the linear least-squares solve spec.md §4.3
// step 4 calls for, but follows the spec's literal sorted-distance /
// triangle-vote algorithm rather than the teacher's KD-tree shortcut,
// since the spec pins down the exact vote and cut semantics.
package registration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/Kanma/astrophoto-toolbox/internal/geom"
	"github.com/Kanma/astrophoto-toolbox/internal/star"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// MaxStarDistanceDelta is the pixel tolerance used throughout triangle
// matching (spec.md §6).
const MaxStarDistanceDelta = 2.0

const topN = 100

// Options tunes the registration fit. TargetWidth/TargetHeight become the
// resulting Transformation's XWidth/YWidth normalization extents; both
// default to 1 (no normalization) when zero.
type Options struct {
	TargetWidth, TargetHeight float64
}

type pair struct {
	i, j int
	dist float64
}

// Register computes a Transformation mapping target star positions onto
// reference star positions (spec.md §4.3).
func Register(reference, target []star.Star, opts Options) (geom.Transformation, float64, error) {
	ref := star.TopN(append([]star.Star(nil), reference...), topN)
	tgt := star.TopN(append([]star.Star(nil), target...), topN)

	if len(tgt) <= 4 {
		return geom.Transformation{}, 0, fmt.Errorf("registration: only %d target stars: %w", len(tgt), xerrors.ErrInsufficientData)
	}
	if len(ref) < 30 && len(tgt) < len(ref)/5 {
		return geom.Transformation{}, 0, fmt.Errorf("registration: only %d target stars for %d reference stars: %w", len(tgt), len(ref), xerrors.ErrInsufficientData)
	}

	refPairs := allPairsSortedByDistance(ref)
	tgtPairs := allPairsSortedByDistance(tgt)

	votes := voteTriangles(ref, tgt, refPairs, tgtPairs)

	cut := cutVotes(votes, len(tgt))
	if len(cut) < 8 {
		return geom.Transformation{}, 0, fmt.Errorf("registration: only %d candidate pairs after cut, need 8: %w", len(cut), xerrors.ErrInsufficientData)
	}

	xWidth, yWidth := opts.TargetWidth, opts.TargetHeight
	if xWidth <= 0 {
		xWidth = 1
	}
	if yWidth <= 0 {
		yWidth = 1
	}

	active := append([]votePair(nil), cut[:8]...)
	inactive := append([]votePair(nil), cut[8:]...)

	trans, residual, active, err := fitWithClipping(ref, tgt, active, &inactive, xWidth, yWidth)
	if err != nil {
		return geom.Transformation{}, 0, err
	}

	trans, residual = refine(ref, tgt, trans, residual, active, inactive, xWidth, yWidth)

	return trans, residual, nil
}

func allPairsSortedByDistance(stars []star.Star) []pair {
	n := len(stars)
	pairs := make([]pair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, pair{i, j, star.Distance(stars[i], stars[j])})
		}
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].dist < pairs[b].dist })
	return pairs
}

type votePair struct {
	refIdx, tgtIdx int
	votes          int
}

// voteTriangles implements spec.md §4.3 steps 1-2: stream the two sorted
// distance sequences, and for each compatible long side, search for a
// matching third star to cast triangle votes into a |ref|x|target> grid.
func voteTriangles(ref, tgt []star.Star, refPairs, tgtPairs []pair) map[[2]int]int {
	votes := map[[2]int]int{}

	tgtDistances := make([]float64, len(tgtPairs))
	for i, p := range tgtPairs {
		tgtDistances[i] = p.dist
	}

	for _, rp := range refPairs {
		lo := sort.SearchFloat64s(tgtDistances, rp.dist-MaxStarDistanceDelta)
		hi := sort.SearchFloat64s(tgtDistances, rp.dist+MaxStarDistanceDelta)
		for k := lo; k < hi && k < len(tgtPairs); k++ {
			tp := tgtPairs[k]
			if math.Abs(rp.dist-tp.dist) > MaxStarDistanceDelta {
				continue
			}
			castTriangleVotes(ref, tgt, rp, tp, votes)
		}
	}
	return votes
}

// castTriangleVotes looks for a third star pair completing the triangle
// for the tentative long side (rp.i,rp.j) <-> (tp.i,tp.j) and, when found,
// records one vote per matched (ref,target) star correspondence.
func castTriangleVotes(ref, tgt []star.Star, rp, tp pair, votes map[[2]int]int) {
	r1, r2 := rp.i, rp.j
	t1, t2 := tp.i, tp.j
	d12 := tp.dist

	for t3 := range tgt {
		if t3 == t1 || t3 == t2 {
			continue
		}
		d13 := star.Distance(tgt[t1], tgt[t3])
		d23 := star.Distance(tgt[t2], tgt[t3])
		if math.Max(d13, d23)/d12 >= 0.9 {
			continue // degenerate, too-thin triangle
		}

		for r3 := range ref {
			if r3 == r1 || r3 == r2 {
				continue
			}
			rd13 := star.Distance(ref[r1], ref[r3])
			rd23 := star.Distance(ref[r2], ref[r3])

			if math.Abs(rd13-d13) <= MaxStarDistanceDelta && math.Abs(rd23-d23) <= MaxStarDistanceDelta {
				votes[[2]int{r1, t1}]++
				votes[[2]int{r2, t2}]++
				votes[[2]int{r3, t3}]++
				continue
			}
			if math.Abs(rd13-d23) <= MaxStarDistanceDelta && math.Abs(rd23-d13) <= MaxStarDistanceDelta {
				votes[[2]int{r1, t2}]++
				votes[[2]int{r2, t1}]++
				votes[[2]int{r3, t3}]++
			}
		}
	}
}

// cutVotes implements spec.md §4.3 step 3: sort the vote grid descending
// and keep at most the top 2*|target| entries with vote count >=
// max(vote[2*|target|-1], 1).
func cutVotes(votes map[[2]int]int, numTarget int) []votePair {
	all := make([]votePair, 0, len(votes))
	for k, v := range votes {
		all = append(all, votePair{refIdx: k[0], tgtIdx: k[1], votes: v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].votes > all[j].votes })

	keep := 2 * numTarget
	if keep > len(all) {
		keep = len(all)
	}
	if keep == 0 {
		return nil
	}
	threshold := all[keep-1].votes
	if threshold < 1 {
		threshold = 1
	}
	out := make([]votePair, 0, keep)
	for _, vp := range all[:keep] {
		if vp.votes >= threshold {
			out = append(out, vp)
		}
	}
	return out
}

// fitWithClipping implements spec.md §4.3 step 4: least-squares bilinear
// fit of the active pairs, deactivating outliers and retrying until the
// max residual is <=3px or fewer than 8 active pairs remain. It returns
// the active set that produced the accepted fit, so step 5 can augment
// it instead of starting over.
func fitWithClipping(ref, tgt []star.Star, active []votePair, inactive *[]votePair, xWidth, yWidth float64) (geom.Transformation, float64, []votePair, error) {
	for {
		if len(active) < 8 {
			return geom.Transformation{}, 0, nil, fmt.Errorf("registration: fewer than 8 active pairs survive clipping: %w", xerrors.ErrInsufficientData)
		}
		trans, err := solveBilinear(ref, tgt, active, xWidth, yWidth)
		if err != nil {
			return geom.Transformation{}, 0, nil, err
		}
		residuals := computeResiduals(ref, tgt, active, trans)
		maxResidual := 0.0
		for _, r := range residuals {
			if r > maxResidual {
				maxResidual = r
			}
		}
		if maxResidual <= 3.0 {
			return trans, maxResidual, active, nil
		}

		cutIdx := -1
		mean, sigma := meanStdDev(residuals)
		for i, r := range residuals {
			if r > mean+2*sigma {
				cutIdx = i
				break
			}
		}
		if cutIdx < 0 {
			for i, r := range residuals {
				if r > mean+sigma {
					cutIdx = i
					break
				}
			}
		}
		if cutIdx < 0 {
			worst := 0
			for i, r := range residuals {
				if r > residuals[worst] {
					worst = i
				}
			}
			cutIdx = worst
		}
		*inactive = append(*inactive, active[cutIdx])
		active = append(active[:cutIdx], active[cutIdx+1:]...)
	}
}

func meanStdDev(v []float64) (mean, stddev float64) {
	if len(v) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	mean = sum / float64(len(v))
	var sq float64
	for _, x := range v {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(v)))
}

func computeResiduals(ref, tgt []star.Star, pairs []votePair, trans geom.Transformation) []float64 {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		proj := trans.Apply(tgt[p.tgtIdx].X, tgt[p.tgtIdx].Y)
		out[i] = geom.Dist(proj, ref[p.refIdx].Point())
	}
	return out
}

func solveBilinear(ref, tgt []star.Star, pairs []votePair, xWidth, yWidth float64) (geom.Transformation, error) {
	n := len(pairs)
	m := mat.NewDense(n, 4, nil)
	bx := mat.NewDense(n, 1, nil)
	by := mat.NewDense(n, 1, nil)
	for i, p := range pairs {
		X := tgt[p.tgtIdx].X / xWidth
		Y := tgt[p.tgtIdx].Y / yWidth
		m.SetRow(i, []float64{1, X, Y, X * Y})
		bx.Set(i, 0, ref[p.refIdx].X)
		by.Set(i, 0, ref[p.refIdx].Y)
	}

	var a, b mat.Dense
	if err := a.Solve(m, bx); err != nil {
		return geom.Transformation{}, fmt.Errorf("registration: singular system fitting x coefficients: %w", xerrors.ErrFormat)
	}
	if err := b.Solve(m, by); err != nil {
		return geom.Transformation{}, fmt.Errorf("registration: singular system fitting y coefficients: %w", xerrors.ErrFormat)
	}

	return geom.Transformation{
		A0: a.At(0, 0), A1: a.At(1, 0), A2: a.At(2, 0), A3: a.At(3, 0),
		B0: b.At(0, 0), B1: b.At(1, 0), B2: b.At(2, 0), B3: b.At(3, 0),
		XWidth: xWidth, YWidth: yWidth,
	}, nil
}

// refine implements spec.md §4.3 step 5: greedily try every remaining
// inactive pair, accepting if it doesn't push the max residual past 2px,
// giving up after 3 consecutive rejections. active is step 4's surviving
// set, already backing trans/residual; candidates are added to it, never
// fit in isolation, since a handful of points alone would satisfy the
// bilinear system's 4 degrees of freedom near-exactly and be accepted
// regardless of whether they agree with the established transformation.
func refine(ref, tgt []star.Star, trans geom.Transformation, residual float64, active, inactive []votePair, xWidth, yWidth float64) (geom.Transformation, float64) {
	active = append([]votePair(nil), active...)
	consecutiveRejections := 0
	for _, cand := range inactive {
		if consecutiveRejections >= 3 {
			break
		}
		trialActive := append(append([]votePair(nil), active...), cand)
		trial, err := solveBilinear(ref, tgt, trialActive, xWidth, yWidth)
		if err != nil {
			consecutiveRejections++
			continue
		}
		maxResidual := 0.0
		for _, r := range computeResiduals(ref, tgt, trialActive, trial) {
			if r > maxResidual {
				maxResidual = r
			}
		}
		if maxResidual <= 2.0 {
			active = append(active, cand)
			trans, residual = trial, maxResidual
			consecutiveRejections = 0
		} else {
			consecutiveRejections++
		}
	}
	return trans, residual
}

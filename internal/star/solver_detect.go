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

// SimplexyPeak is one raw detection from the opaque simplexy star
// extraction engine the solver-tuned variant is built on (spec.md §4.2b):
// a single-channel 32-bit float byte-range image in, peaks with
// (x,y,flux,background) out. The engine itself is an external
// collaborator (spec.md §1 Out of scope) — this package only orders its
// output.
type SimplexyPeak struct {
	X, Y       float64
	Flux       float64
	Background float64
}

// SimplexyEngine is the opaque solver-tuned extraction contract. A real
// implementation wraps the astrometry.net simplexy routine; tests use a
// fake.
type SimplexyEngine interface {
	Extract(image []float32, width, height int) []SimplexyPeak
}

// DetectSolver runs the solver-tuned detector: delegates extraction to the
// opaque engine, then sorts peaks by interleaving two permutations -
// descending by Flux, and descending by Flux+Background - skipping
// indices already emitted by the other permutation (spec.md §4.2b).
func DetectSolver(engine SimplexyEngine, image []float32, width, height int) []Star {
	peaks := engine.Extract(image, width, height)
	n := len(peaks)
	byFlux := make([]int, n)
	byFluxBg := make([]int, n)
	for i := range peaks {
		byFlux[i], byFluxBg[i] = i, i
	}
	sortByKeyDesc(byFlux, func(i int) float64 { return peaks[i].Flux })
	sortByKeyDesc(byFluxBg, func(i int) float64 { return peaks[i].Flux + peaks[i].Background })

	used := make([]bool, n)
	order := make([]int, 0, n)
	take := func(idx int) {
		if !used[idx] {
			used[idx] = true
			order = append(order, idx)
		}
	}
	for i := 0; i < n; i++ {
		take(byFlux[i])
		take(byFluxBg[i])
	}

	out := make([]Star, n)
	for i, idx := range order {
		p := peaks[idx]
		out[i] = Star{X: p.X, Y: p.Y, Intensity: p.Flux, Quality: p.Flux + p.Background, MeanRadius: 0}
	}
	return out
}

func sortByKeyDesc(idx []int, key func(int) float64) {
	quickSortIndexDesc(idx, key, 0, len(idx)-1)
}

func quickSortIndexDesc(idx []int, key func(int) float64, lo, hi int) {
	if lo >= hi {
		return
	}
	mid := (lo + hi) / 2
	pivot := key(idx[mid])
	l, r := lo-1, hi+1
	for {
		for {
			l++
			if key(idx[l]) <= pivot {
				break
			}
		}
		for {
			r--
			if key(idx[r]) >= pivot {
				break
			}
		}
		if l >= r {
			quickSortIndexDesc(idx, key, lo, r)
			quickSortIndexDesc(idx, key, r+1, hi)
			return
		}
		idx[l], idx[r] = idx[r], idx[l]
	}
}

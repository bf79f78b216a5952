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

// Package platesolve is the plate solver core (component E): a contract
// wrapper over an opaque astrometry-style solver engine, owning
// pre-uniformization, index filtering and cooperative cancellation. The
// teacher has no equivalent (nightlight never determines celestial
// coordinates); this package's shape is driven entirely by spec.md §4.5
// and the original_source platesolver.h/.cpp headers.
package platesolve

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/Kanma/astrophoto-toolbox/internal/star"
)

const deg2arcsec = 3600.0

// DefaultNbBoxes is the default uniformization grid cell target (spec.md
// §4.5).
const DefaultNbBoxes = 10

// Uniformize partitions the image into an nbX x nbY grid chosen so
// nbX*nbY is approximately nbBoxes, proportional to the image aspect
// ratio, bins stars by cell, and emits them in round-robin cell order:
// "1st of each cell, 2nd of each cell, ...", with stars within a round
// sorted by their original index ascending (spec.md §4.5).
func Uniformize(stars []star.Star, imageW, imageH int, nbBoxes int) []star.Star {
	if nbBoxes <= 0 {
		nbBoxes = DefaultNbBoxes
	}
	aspect := float64(imageW) / float64(imageH)
	nbY := int(math.Round(math.Sqrt(float64(nbBoxes) / aspect)))
	if nbY < 1 {
		nbY = 1
	}
	nbX := int(math.Round(float64(nbBoxes) / float64(nbY)))
	if nbX < 1 {
		nbX = 1
	}

	cellW := float64(imageW) / float64(nbX)
	cellH := float64(imageH) / float64(nbY)

	type indexed struct {
		idx int
		s   star.Star
	}
	cells := make(map[int][]indexed)
	var cellOrder []int
	for i, s := range stars {
		cx := int(s.X / cellW)
		if cx >= nbX {
			cx = nbX - 1
		}
		if cx < 0 {
			cx = 0
		}
		cy := int(s.Y / cellH)
		if cy >= nbY {
			cy = nbY - 1
		}
		if cy < 0 {
			cy = 0
		}
		cell := cy*nbX + cx
		if _, ok := cells[cell]; !ok {
			cellOrder = append(cellOrder, cell)
		}
		cells[cell] = append(cells[cell], indexed{idx: i, s: s})
	}
	sort.Ints(cellOrder)
	for _, cell := range cellOrder {
		sort.Slice(cells[cell], func(a, b int) bool { return cells[cell][a].idx < cells[cell][b].idx })
	}

	out := make([]star.Star, 0, len(stars))
	for round := 0; ; round++ {
		var batch []indexed
		for _, cell := range cellOrder {
			if round < len(cells[cell]) {
				batch = append(batch, cells[cell][round])
			}
		}
		if len(batch) == 0 {
			break
		}
		sort.Slice(batch, func(a, b int) bool { return batch[a].idx < batch[b].idx })
		for _, e := range batch {
			out = append(out, e.s)
		}
	}
	return out
}

// Index describes one loaded astrometry index file's advertised scale
// range, in arcseconds (the unit of FilterIndices' fmin/fmax).
type Index struct {
	ID             int
	MinScaleArcsec float64
	MaxScaleArcsec float64
}

// FilterIndices implements spec.md §4.5's index filtering: given the
// image size and a caller-supplied [minFieldWidthDeg, maxFieldWidthDeg]
// search range, compute fmin/fmax in arcseconds and keep indices whose
// advertised range overlaps [fmin, fmax].
func FilterIndices(indices []Index, imageW, imageH int, minFieldWidthDeg, maxFieldWidthDeg float64) []Index {
	w, h := float64(imageW), float64(imageH)
	fmin := 0.1 * math.Min(w, h) * (minFieldWidthDeg * deg2arcsec) / w
	fmax := math.Hypot(w, h) * (maxFieldWidthDeg * deg2arcsec) / w

	var out []Index
	for _, idx := range indices {
		if idx.MaxScaleArcsec >= fmin && idx.MinScaleArcsec <= fmax {
			out = append(out, idx)
		}
	}
	return out
}

// QuadsizeMin is the opaque solver's quad-size-minimum parameter
// (spec.md §4.5).
func QuadsizeMin(imageW, imageH int) float64 {
	return 0.1 * math.Min(float64(imageW), float64(imageH))
}

// TweakOrder is the fixed SIP polynomial order the solver is invoked
// with (spec.md §4.5).
const TweakOrder = 2

// Result is the opaque solver's successful output: celestial coordinates
// of the field center and the pixel scale.
type Result struct {
	RADeg, DecDeg  float64
	ScaleArcsecPx  float64
}

// Engine is the opaque solver collaborator (spec.md §1 Out of scope: the
// solving algorithm itself is external, e.g. astrometry.net's solve-field
// core). Quadsize, tweak order, match and timer callbacks are passed
// through unchanged so the engine can be a thin cgo/exec wrapper.
type Engine interface {
	Solve(stars []star.Star, imageW, imageH int, quadsizeMin float64, tweakOrder int,
		matchCallback func() bool, timerCallback func() int) (Result, bool)
}

// Canceler is the shared cooperative-cancellation flag the timer
// callback reads (spec.md §4.5 Cancellation).
type Canceler struct {
	flag atomic.Bool
}

func (c *Canceler) Cancel()        { c.flag.Store(true) }
func (c *Canceler) Cancelled() bool { return c.flag.Load() }

// Solve invokes the opaque engine per spec.md §4.5: a match callback that
// always returns true, and a timer callback decremented once per second
// that returns 0 (forcing a stop) once the budget is exhausted or cancel
// has been requested.
func Solve(engine Engine, stars []star.Star, imageW, imageH int, budgetSeconds int, cancel *Canceler) (Result, bool) {
	remaining := budgetSeconds
	matchCallback := func() bool { return true }
	timerCallback := func() int {
		if cancel != nil && cancel.Cancelled() {
			return 0
		}
		if remaining <= 0 {
			return 0
		}
		remaining--
		return remaining
	}
	return engine.Solve(stars, imageW, imageH, QuadsizeMin(imageW, imageH), TweakOrder, matchCallback, timerCallback)
}

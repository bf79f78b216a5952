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

package platesolve

import (
	"testing"

	"github.com/Kanma/astrophoto-toolbox/internal/star"
)

func TestUniformizeRoundRobinsByCell(t *testing.T) {
	stars := []star.Star{
		{X: 5, Y: 5},   // cell (0,0)
		{X: 95, Y: 5},  // cell (1,0)
		{X: 5, Y: 95},  // cell (0,1)
		{X: 6, Y: 5},   // cell (0,0), second of its cell
	}
	out := Uniformize(stars, 100, 100, 4)
	if len(out) != 4 {
		t.Fatalf("got %d stars, want 4", len(out))
	}
	// First round must include one star from each non-empty cell before
	// any cell's second star appears.
	firstRoundCount := 3 // three distinct non-empty cells
	for i := 0; i < firstRoundCount; i++ {
		if out[i].X == 6 {
			t.Fatalf("second star of a cell appeared before round 1 completed: %+v", out)
		}
	}
}

func TestFilterIndicesKeepsOverlappingRange(t *testing.T) {
	indices := []Index{
		{ID: 1, MinScaleArcsec: 0.1, MaxScaleArcsec: 0.2},
		{ID: 2, MinScaleArcsec: 10, MaxScaleArcsec: 20},
	}
	// fmin = 14.4 and fmax ~ 1383 arcsec: only index 2 overlaps.
	out := FilterIndices(indices, 1000, 800, 0.05, 0.3)
	if len(out) != 1 || out[0].ID != 2 {
		t.Fatalf("unexpected filter result: %+v", out)
	}
}

type fakeEngine struct {
	timerCalls int
	forcedStop bool
}

func (f *fakeEngine) Solve(stars []star.Star, imageW, imageH int, quadsizeMin float64, tweakOrder int,
	matchCallback func() bool, timerCallback func() int) (Result, bool) {
	for {
		f.timerCalls++
		if timerCallback() == 0 {
			f.forcedStop = true
			return Result{}, false
		}
		if f.timerCalls > 2 {
			return Result{RADeg: 10, DecDeg: 20, ScaleArcsecPx: 1.5}, true
		}
	}
}

func TestSolveCancellationForcesStop(t *testing.T) {
	engine := &fakeEngine{}
	cancel := &Canceler{}
	cancel.Cancel()

	_, ok := Solve(engine, nil, 800, 600, 30, cancel)
	if ok {
		t.Fatal("expected Solve to fail once cancel flag is set")
	}
	if !engine.forcedStop {
		t.Fatal("timer callback never returned 0 despite cancellation")
	}
}

func TestSolveSucceedsWithinBudget(t *testing.T) {
	engine := &fakeEngine{}
	result, ok := Solve(engine, nil, 800, 600, 30, nil)
	if !ok {
		t.Fatal("expected Solve to succeed within budget")
	}
	if result.RADeg != 10 || result.DecDeg != 20 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

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

package registration

import (
	"errors"
	"math"
	"testing"

	"github.com/Kanma/astrophoto-toolbox/internal/star"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// randomFieldStars builds a scattered, non-degenerate star field: enough
// stars, with irregular spacing, that triangle voting has unambiguous
// matches once run against itself.
func randomFieldStars(n int) []star.Star {
	stars := make([]star.Star, n)
	seed := uint32(12345)
	next := func() float64 {
		seed = seed*1664525 + 1013904223
		return float64(seed%10000) / 10000.0
	}
	for i := range stars {
		stars[i] = star.Star{
			X:         next() * 900,
			Y:         next() * 900,
			Intensity: 100 + next()*900,
		}
	}
	return stars
}

// Spec.md §8 scenario 3: registering a star field against itself must
// yield (very close to) the identity transformation.
func TestRegisterIdentity(t *testing.T) {
	stars := randomFieldStars(40)

	trans, residual, err := Register(stars, stars, Options{TargetWidth: 900, TargetHeight: 900})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if residual > 1.0 {
		t.Fatalf("residual too large for self-registration: %f", residual)
	}

	for _, s := range stars[:5] {
		p := trans.Apply(s.X, s.Y)
		if math.Abs(p.X-s.X) > 1.5 || math.Abs(p.Y-s.Y) > 1.5 {
			t.Errorf("star (%f,%f) mapped to (%f,%f), want near-identity", s.X, s.Y, p.X, p.Y)
		}
	}
}

// A translated field (unlike self-registration) forces refine's step 5 to
// actually discriminate: a candidate pair fit in isolation from step 4's
// established transformation would satisfy the underdetermined bilinear
// system trivially, so only checking candidates against the accumulated
// active set (not a fresh, near-empty one) recovers the true shift.
func TestRegisterTranslatedField(t *testing.T) {
	ref := randomFieldStars(40)
	const dx, dy = 15.0, -10.0
	tgt := make([]star.Star, len(ref))
	for i, s := range ref {
		tgt[i] = star.Star{X: s.X + dx, Y: s.Y + dy, Intensity: s.Intensity}
	}

	trans, residual, err := Register(ref, tgt, Options{TargetWidth: 900, TargetHeight: 900})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if residual > 1.0 {
		t.Fatalf("residual too large for a pure translation: %f", residual)
	}

	for _, s := range tgt {
		p := trans.Apply(s.X, s.Y)
		wantX, wantY := s.X-dx, s.Y-dy
		if math.Abs(p.X-wantX) > 1.5 || math.Abs(p.Y-wantY) > 1.5 {
			t.Errorf("target (%f,%f) mapped to (%f,%f), want near (%f,%f)", s.X, s.Y, p.X, p.Y, wantX, wantY)
		}
	}
}

func TestRegisterInsufficientTargets(t *testing.T) {
	ref := randomFieldStars(40)
	_, _, err := Register(ref, ref[:3], Options{})
	if !errors.Is(err, xerrors.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData for too few target stars, got %v", err)
	}
}

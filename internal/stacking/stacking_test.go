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

package stacking

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/Kanma/astrophoto-toolbox/internal/bitmap"
	"github.com/Kanma/astrophoto-toolbox/internal/fitsstore"
	"github.com/Kanma/astrophoto-toolbox/internal/geom"
)

func flatBitmap(w, h int, value float64) *bitmap.Bitmap {
	bmp, _ := bitmap.New(w, h, 1, bitmap.Depth32F, bitmap.RangeOne, bitmap.SpaceLinear)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			bmp.SetRaw(x, y, 0, value)
		}
	}
	return bmp
}

func TestStackIdentityAveragesTwoFlatFrames(t *testing.T) {
	st := New(8, 8, 1, bitmap.Depth32F, bitmap.RangeOne, bitmap.SpaceLinear)

	ref := flatBitmap(8, 8, 100)
	if err := st.AddFrame(ref, geom.Identity()); err != nil {
		t.Fatal(err)
	}

	second := flatBitmap(8, 8, 100)
	if err := st.AddFrame(second, geom.Identity()); err != nil {
		t.Fatal(err)
	}

	out, err := st.Output()
	if err != nil {
		t.Fatal(err)
	}
	if st.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", st.Count())
	}
	v := out.Raw(3, 3, 0)
	if math.Abs(v-100) > 1e-6 {
		t.Fatalf("stacked flat-field pixel = %f, want ~100", v)
	}
}

func TestWriteAtomicProducesReadableStore(t *testing.T) {
	st := New(4, 4, 1, bitmap.Depth32F, bitmap.RangeOne, bitmap.SpaceLinear)
	if err := st.AddFrame(flatBitmap(4, 4, 50), geom.Identity()); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "stacked.fits")
	if err := st.WriteAtomic(path); err != nil {
		t.Fatal(err)
	}
	store, err := fitsstore.Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := store.ReadBitmap("")
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Raw(1, 1, 0); math.Abs(v-50) > 1e-6 {
		t.Fatalf("read back pixel = %f, want 50", v)
	}
}

func TestInvertBilinearRecoversIdentity(t *testing.T) {
	p := invertBilinear(geom.Identity(), 12.5, 7.25)
	if math.Abs(p.X-12.5) > 1e-6 || math.Abs(p.Y-7.25) > 1e-6 {
		t.Fatalf("invertBilinear(identity) = %+v, want (12.5,7.25)", p)
	}
}

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

package fitsstore

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/Kanma/astrophoto-toolbox/internal/bitmap"
	"github.com/Kanma/astrophoto-toolbox/internal/geom"
	"github.com/Kanma/astrophoto-toolbox/internal/star"
)

func TestBitmapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.fits")

	bmp, err := bitmap.New(4, 3, 3, bitmap.Depth8, bitmap.RangeByte, bitmap.SpaceLinear)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			bmp.SetRaw(x, y, 0, float64(x*10))
			bmp.SetRaw(x, y, 1, float64(y*10))
			bmp.SetRaw(x, y, 2, 128)
		}
	}

	store, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBitmap(bmp, "light0", &CaptureMetadata{ISO: 800, HasISO: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if !IsFITS(path) {
		t.Fatal("IsFITS returned false for a written store")
	}

	reopened, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.NbImages() != 1 {
		t.Fatalf("NbImages = %d, want 1", reopened.NbImages())
	}
	got, meta, err := reopened.ReadBitmap("light0")
	if err != nil {
		t.Fatal(err)
	}
	if got.Width() != 4 || got.Height() != 3 || got.Channels() != 3 {
		t.Fatalf("dimensions mismatch: %dx%dx%d", got.Width(), got.Height(), got.Channels())
	}
	if got.Depth() != bitmap.Depth8 || got.RangeTag() != bitmap.RangeByte {
		t.Fatalf("depth/range not preserved: %v %v", got.Depth(), got.RangeTag())
	}
	if !meta.HasISO || meta.ISO != 800 {
		t.Fatalf("ISO metadata not preserved: %+v", meta)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if got.Raw(x, y, 0) != float64(x*10) {
				t.Fatalf("pixel (%d,%d,0) = %f, want %d", x, y, got.Raw(x, y, 0), x*10)
			}
		}
	}
}

func TestStarsAndTransformationRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stars.fits")

	store, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	stars := []star.Star{
		{X: 1.5, Y: 2.5, Intensity: 100, Quality: 50, MeanRadius: 3.2},
		{X: 10, Y: 20, Intensity: 80, Quality: 40, MeanRadius: 2.1},
	}
	if err := store.WriteStars(stars, 640, 480, 20, true, "STARS", false); err != nil {
		t.Fatal(err)
	}
	trans := geom.Transformation{A0: 1, A1: 1, A2: 0, A3: 0, B0: 2, B1: 0, B2: 1, B3: 0, XWidth: 640, YWidth: 480}
	if err := store.WriteTransformation(trans, "", false); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.NbTables() != 2 {
		t.Fatalf("NbTables = %d, want 2", reopened.NbTables())
	}
	gotStars, w, h, err := reopened.ReadStars("STARS")
	if err != nil {
		t.Fatal(err)
	}
	if len(gotStars) != 2 || w != 640 || h != 480 {
		t.Fatalf("unexpected stars readback: %+v w=%d h=%d", gotStars, w, h)
	}
	if math.Abs(gotStars[0].MeanRadius-3.2) > 1e-9 {
		t.Fatalf("MeanRadius not preserved in its own column: got %f", gotStars[0].MeanRadius)
	}

	gotTrans, err := reopened.ReadTransformation("")
	if err != nil {
		t.Fatal(err)
	}
	if gotTrans != trans {
		t.Fatalf("transformation round trip mismatch: got %+v want %+v", gotTrans, trans)
	}
}

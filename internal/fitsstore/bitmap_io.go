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
	"fmt"

	"github.com/Kanma/astrophoto-toolbox/internal/bitmap"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// CaptureMetadata is the capture-time EXIF-derived metadata a bitmap HDU
// may carry (spec.md §4.6).
type CaptureMetadata struct {
	ISO           float64
	ShutterSpeed  float64
	Aperture      float64
	FocalLength   float64
	HasISO        bool
	HasShutter    bool
	HasAperture   bool
	HasFocalLen   bool
}

// rangeFromDataMax applies the §6 DATAMAX convention in reverse: the range tag
// implied by a stored DATAMAX value.
func rangeFromDataMax(max float64) bitmap.Range {
	switch {
	case max <= 2:
		return bitmap.RangeOne
	case max <= 256:
		return bitmap.RangeByte
	case max <= 65536:
		return bitmap.RangeUShort
	default:
		return bitmap.RangeUInt
	}
}

// WriteBitmap appends a new image HDU preserving depth, range (via
// DATAMAX), color space (via the SRGB key) and optional capture metadata
// (spec.md §4.6).
func (s *Store) WriteBitmap(bmp *bitmap.Bitmap, name string, meta *CaptureMetadata) error {
	if s.readonly {
		return fmt.Errorf("fitsstore: store is read-only: %w", xerrors.ErrIO)
	}
	w, h, c := bmp.Width(), bmp.Height(), bmp.Channels()

	hd := newHeader()
	hd.SetBool("SIMPLE", false, "extension image HDU")
	hd.SetInt("BITPIX", -64, "payload stored as float64")
	naxis := int64(2)
	if c > 1 {
		naxis = 3
	}
	hd.SetInt("NAXIS", naxis, "")
	hd.SetInt("NAXIS1", int64(w), "")
	hd.SetInt("NAXIS2", int64(h), "")
	if c > 1 {
		hd.SetInt("NAXIS3", int64(c), "")
	}
	hd.SetFloat("DATAMAX", bmp.RangeTag().Max(), "range tag, see spec DATAMAX convention")
	hd.SetInt("BITDEPTH", int64(bmp.Depth()), "original sample storage depth")
	hd.SetBool("SRGB", bmp.SpaceTag() == bitmap.SpaceSRGB, "color space: T=sRGB, F=linear")
	if name != "" {
		hd.SetString("NAME", name, "")
	}
	if meta != nil {
		if meta.HasISO {
			hd.SetFloat("ISO", meta.ISO, "")
		}
		if meta.HasShutter {
			hd.SetFloat("EXPTIME", meta.ShutterSpeed, "shutter speed, seconds")
		}
		if meta.HasAperture {
			hd.SetFloat("APERTURE", meta.Aperture, "")
		}
		if meta.HasFocalLen {
			hd.SetFloat("FOCALLEN", meta.FocalLength, "")
		}
	}

	data := make([]float64, w*h*c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				data[(ch*h+y)*w+x] = bmp.Raw(x, y, ch)
			}
		}
	}

	s.hdus = append(s.hdus, &hdu{kind: hduImage, header: hd, naxis: []int64{int64(w), int64(h), int64(c)}, image: data})
	return nil
}

// ReadBitmap reconstructs a Bitmap plus capture metadata from a
// name-or-index reference (spec.md §4.6).
func (s *Store) ReadBitmap(nameOrIndex string) (*bitmap.Bitmap, CaptureMetadata, error) {
	u, _, err := s.findByNameOrIndex(hduImage, nameOrIndex, "")
	if err != nil {
		return nil, CaptureMetadata{}, err
	}
	w, _ := u.header.GetInt("NAXIS1")
	h, _ := u.header.GetInt("NAXIS2")
	c := int64(1)
	if v, ok := u.header.GetInt("NAXIS3"); ok {
		c = v
	}
	depthTag, _ := u.header.GetInt("BITDEPTH")
	dataMax, _ := u.header.GetFloat("DATAMAX")
	isSRGB, _ := u.header.GetBool("SRGB")

	space := bitmap.SpaceLinear
	if isSRGB {
		space = bitmap.SpaceSRGB
	}

	bmp, err := bitmap.New(int(w), int(h), int(c), bitmap.Depth(depthTag), rangeFromDataMax(dataMax), space)
	if err != nil {
		return nil, CaptureMetadata{}, err
	}
	for y := 0; y < int(h); y++ {
		for x := 0; x < int(w); x++ {
			for ch := 0; ch < int(c); ch++ {
				bmp.SetRaw(x, y, ch, u.image[(int64(ch)*h+int64(y))*w+int64(x)])
			}
		}
	}

	meta := CaptureMetadata{}
	if v, ok := u.header.GetFloat("ISO"); ok {
		meta.ISO, meta.HasISO = v, true
	}
	if v, ok := u.header.GetFloat("EXPTIME"); ok {
		meta.ShutterSpeed, meta.HasShutter = v, true
	}
	if v, ok := u.header.GetFloat("APERTURE"); ok {
		meta.Aperture, meta.HasAperture = v, true
	}
	if v, ok := u.header.GetFloat("FOCALLEN"); ok {
		meta.FocalLength, meta.HasFocalLen = v, true
	}
	return bmp, meta, nil
}

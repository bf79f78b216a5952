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

	"github.com/Kanma/astrophoto-toolbox/internal/geom"
	"github.com/Kanma/astrophoto-toolbox/internal/star"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

func (s *Store) newTableHDU(dataType string, colNames []string) *hdu {
	hd := newHeader()
	hd.SetBool("SIMPLE", false, "extension table HDU")
	hd.SetInt("NAXIS", 0, "")
	hd.SetString("DATATYPE", dataType, "")
	hd.SetInt("TFIELDS", int64(len(colNames)), "")
	return &hdu{kind: hduTable, header: hd, colNames: colNames}
}

// WriteStars appends a STARS table (spec.md §4.6): columns {X, Y,
// INTENSITY, QUALITY, MEANRADIUS}, with the Open Question §9 resolution
// that MeanRadius gets its own column instead of overloading QUALITY.
func (s *Store) WriteStars(stars []star.Star, imageW, imageH int, luminancyThreshold float64, hasThreshold bool, name string, overwrite bool) error {
	if s.readonly {
		return fmt.Errorf("fitsstore: store is read-only: %w", xerrors.ErrIO)
	}
	if overwrite {
		s.removeNamed(hduTable, "STARS", name)
	}
	u := s.newTableHDU("STARS", []string{"X", "Y", "INTENSITY", "QUALITY", "MEANRADIUS"})
	u.header.SetInt("IMAGEW", int64(imageW), "")
	u.header.SetInt("IMAGEH", int64(imageH), "")
	if hasThreshold {
		u.header.SetFloat("LUMINANCYTHRESHOLD", luminancyThreshold, "")
	}
	if name != "" {
		u.header.SetString("NAME", name, "")
	}
	u.header.SetInt("NAXIS2", int64(len(stars)), "")
	for _, st := range stars {
		u.rows = append(u.rows, []float64{st.X, st.Y, st.Intensity, st.Quality, st.MeanRadius})
	}
	s.hdus = append(s.hdus, u)
	return nil
}

// ReadStars reads back a STARS table.
func (s *Store) ReadStars(nameOrIndex string) ([]star.Star, int, int, error) {
	u, _, err := s.findByNameOrIndex(hduTable, nameOrIndex, "STARS")
	if err != nil {
		return nil, 0, 0, err
	}
	w, _ := u.header.GetInt("IMAGEW")
	h, _ := u.header.GetInt("IMAGEH")
	out := make([]star.Star, len(u.rows))
	for i, row := range u.rows {
		out[i] = star.Star{X: row[0], Y: row[1], Intensity: row[2], Quality: row[3], MeanRadius: row[4]}
	}
	return out, int(w), int(h), nil
}

// WritePoints / ReadPoints: analogous to stars, DATATYPE="POINTS"
// (spec.md §4.6).
func (s *Store) WritePoints(points []geom.Point, name string, overwrite bool) error {
	if s.readonly {
		return fmt.Errorf("fitsstore: store is read-only: %w", xerrors.ErrIO)
	}
	if overwrite {
		s.removeNamed(hduTable, "POINTS", name)
	}
	u := s.newTableHDU("POINTS", []string{"X", "Y"})
	if name != "" {
		u.header.SetString("NAME", name, "")
	}
	u.header.SetInt("NAXIS2", int64(len(points)), "")
	for _, p := range points {
		u.rows = append(u.rows, []float64{p.X, p.Y})
	}
	s.hdus = append(s.hdus, u)
	return nil
}

func (s *Store) ReadPoints(nameOrIndex string) ([]geom.Point, error) {
	u, _, err := s.findByNameOrIndex(hduTable, nameOrIndex, "POINTS")
	if err != nil {
		return nil, err
	}
	out := make([]geom.Point, len(u.rows))
	for i, row := range u.rows {
		out[i] = geom.Point{X: row[0], Y: row[1]}
	}
	return out, nil
}

// WriteTransformation / ReadTransformation: an empty table carrying the
// eight coefficients and normalization basis as scalar keys (spec.md
// §4.6).
func (s *Store) WriteTransformation(t geom.Transformation, name string, overwrite bool) error {
	if s.readonly {
		return fmt.Errorf("fitsstore: store is read-only: %w", xerrors.ErrIO)
	}
	if overwrite {
		s.removeNamed(hduTable, "TRANSFORMS", name)
	}
	u := s.newTableHDU("TRANSFORMS", nil)
	if name != "" {
		u.header.SetString("NAME", name, "")
	}
	u.header.SetFloat("A0", t.A0, "")
	u.header.SetFloat("A1", t.A1, "")
	u.header.SetFloat("A2", t.A2, "")
	u.header.SetFloat("A3", t.A3, "")
	u.header.SetFloat("B0", t.B0, "")
	u.header.SetFloat("B1", t.B1, "")
	u.header.SetFloat("B2", t.B2, "")
	u.header.SetFloat("B3", t.B3, "")
	u.header.SetFloat("XWIDTH", t.XWidth, "")
	u.header.SetFloat("YWIDTH", t.YWidth, "")
	s.hdus = append(s.hdus, u)
	return nil
}

func (s *Store) ReadTransformation(nameOrIndex string) (geom.Transformation, error) {
	u, _, err := s.findByNameOrIndex(hduTable, nameOrIndex, "TRANSFORMS")
	if err != nil {
		return geom.Transformation{}, err
	}
	get := func(k string) float64 { v, _ := u.header.GetFloat(k); return v }
	return geom.Transformation{
		A0: get("A0"), A1: get("A1"), A2: get("A2"), A3: get("A3"),
		B0: get("B0"), B1: get("B1"), B2: get("B2"), B3: get("B3"),
		XWidth: get("XWIDTH"), YWidth: get("YWIDTH"),
	}, nil
}

// BackgroundCalibration is the per-channel background median and max
// captured from a reference frame (spec.md §3).
type BackgroundCalibration struct {
	BackgroundR, BackgroundG, BackgroundB float64
	MaxR, MaxG, MaxB                      float64
}

// WriteBackgroundCalibration / ReadBackgroundCalibration: scalar keys
// BACKGROUND_R/G/B, MAX_R/G/B, DATATYPE="BACKGROUNDCALIBRATION" (spec.md
// §4.6).
func (s *Store) WriteBackgroundCalibration(bc BackgroundCalibration, name string, overwrite bool) error {
	if s.readonly {
		return fmt.Errorf("fitsstore: store is read-only: %w", xerrors.ErrIO)
	}
	if overwrite {
		s.removeNamed(hduTable, "BACKGROUNDCALIBRATION", name)
	}
	u := s.newTableHDU("BACKGROUNDCALIBRATION", nil)
	if name != "" {
		u.header.SetString("NAME", name, "")
	}
	u.header.SetFloat("BACKGROUND_R", bc.BackgroundR, "")
	u.header.SetFloat("BACKGROUND_G", bc.BackgroundG, "")
	u.header.SetFloat("BACKGROUND_B", bc.BackgroundB, "")
	u.header.SetFloat("MAX_R", bc.MaxR, "")
	u.header.SetFloat("MAX_G", bc.MaxG, "")
	u.header.SetFloat("MAX_B", bc.MaxB, "")
	s.hdus = append(s.hdus, u)
	return nil
}

func (s *Store) ReadBackgroundCalibration(nameOrIndex string) (BackgroundCalibration, error) {
	u, _, err := s.findByNameOrIndex(hduTable, nameOrIndex, "BACKGROUNDCALIBRATION")
	if err != nil {
		return BackgroundCalibration{}, err
	}
	get := func(k string) float64 { v, _ := u.header.GetFloat(k); return v }
	return BackgroundCalibration{
		BackgroundR: get("BACKGROUND_R"), BackgroundG: get("BACKGROUND_G"), BackgroundB: get("BACKGROUND_B"),
		MaxR: get("MAX_R"), MaxG: get("MAX_G"), MaxB: get("MAX_B"),
	}, nil
}

// WriteAstrometryKeywords writes the astrometry.net-compatible keywords
// on HDU 0 (spec.md §4.6).
func (s *Store) WriteAstrometryKeywords(imageW, imageH int) {
	hd := s.hdus[0].header
	hd.SetInt("IMAGEW", int64(imageW), "")
	hd.SetInt("IMAGEH", int64(imageH), "")
	hd.SetBool("ANRUN", true, "")
	hd.SetBool("ANVERUNI", true, "")
	hd.SetBool("ANVERDUP", false, "")
	hd.SetBool("ANTWEAK", true, "")
	hd.SetInt("ANTWEAKO", 2, "")
}

// WriteBool / ReadBool operate on HDU 0 (spec.md §4.6).
func (s *Store) WriteBool(key string, v bool) {
	s.hdus[0].header.SetBool(key, v, "")
}

func (s *Store) ReadBool(key string) (bool, bool) {
	return s.hdus[0].header.GetBool(key)
}

// removeNamed drops a previously-written table HDU of the given
// DATATYPE/name pair, implementing write_*'s overwrite option.
func (s *Store) removeNamed(kind hduKind, dataType, name string) {
	out := s.hdus[:0]
	for _, u := range s.hdus {
		if u.kind == kind && u.dataType() == dataType {
			if n, _ := u.header.GetString("NAME"); n == name {
				continue
			}
		}
		out = append(out, u)
	}
	s.hdus = out
}

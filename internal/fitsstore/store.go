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
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

type hduKind int

const (
	hduImage hduKind = iota
	hduTable
)

// hdu is one in-memory header/data unit. Image payloads are kept as
// float64 regardless of the original bitmap depth (depth/range/space are
// recorded as header keys and reapplied on read); table payloads are
// fixed-width float64 rows in column order, analogous to a FITS binary
// table but without the real standard's column-type byte layout, since
// we are our own reader and writer, not a third-party FITS consumer.
type hdu struct {
	kind     hduKind
	header   *header
	naxis    []int64   // image dimensions, fastest-varying first
	image    []float64 // len == product(naxis)
	colNames []string
	rows     [][]float64
}

func (h *hdu) dataType() string {
	s, _ := h.header.GetString("DATATYPE")
	return s
}

// Store is an open FITS-flavored file: a primary HDU (HDU 0, metadata
// only) followed by image and table extension HDUs (spec.md §4.6).
type Store struct {
	path     string
	readonly bool
	hdus     []*hdu
}

// IsFITS checks for the SIMPLE magic in the first six bytes (spec.md
// §4.6 static is_fits).
func IsFITS(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 6)
	n, err := f.Read(magic)
	if err != nil || n < 6 {
		return false
	}
	return bytes.Equal(magic, []byte("SIMPLE"))
}

// Open opens an existing store. When readonly is false, writes append
// new HDUs or modify HDU 0's keywords.
func Open(path string, readonly bool) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fitsstore: open %s: %w", path, xerrors.ErrIO)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	s := &Store{path: path, readonly: readonly}
	for {
		h, err := readHeaderBlock(r)
		if err != nil {
			break // EOF after the last HDU
		}
		u := &hdu{header: h}
		if naxis, ok := h.GetInt("NAXIS"); ok && naxis > 0 {
			u.kind = hduImage
			dims := make([]int64, naxis)
			count := int64(1)
			for i := range dims {
				d, _ := h.GetInt(fmt.Sprintf("NAXIS%d", i+1))
				dims[i] = d
				count *= d
			}
			u.naxis = dims
			u.image, err = readFloat64Payload(r, count)
			if err != nil {
				return nil, err
			}
		} else if dt, ok := h.GetString("DATATYPE"); ok && dt != "" {
			u.kind = hduTable
			nrows, _ := h.GetInt("NAXIS2")
			ncols, _ := h.GetInt("TFIELDS")
			flat, err := readFloat64Payload(r, nrows*ncols)
			if err != nil {
				return nil, err
			}
			u.rows = make([][]float64, nrows)
			for i := range u.rows {
				u.rows[i] = flat[i*int(ncols) : (i+1)*int(ncols)]
			}
		}
		s.hdus = append(s.hdus, u)
	}
	if len(s.hdus) == 0 {
		return nil, fmt.Errorf("fitsstore: %s has no HDUs: %w", path, xerrors.ErrFormat)
	}
	return s, nil
}

// Create starts a new store with an empty primary HDU.
func Create(path string) (*Store, error) {
	primary := &hdu{header: newHeader()}
	primary.header.SetBool("SIMPLE", true, "FITS standard 4.0")
	primary.header.SetInt("BITPIX", 8, "dummy primary HDU")
	primary.header.SetInt("NAXIS", 0, "no primary image data")
	return &Store{path: path, hdus: []*hdu{primary}}, nil
}

// Close flushes the store to disk (Create/writes are buffered in memory
// until Close, matching the teacher's WriteFile-at-the-end style).
func (s *Store) Close() error {
	if s.readonly {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("fitsstore: create %s: %w", s.path, xerrors.ErrIO)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, u := range s.hdus {
		if err := u.header.writeHeaderBlock(w); err != nil {
			return fmt.Errorf("fitsstore: write header: %w", xerrors.ErrIO)
		}
		switch u.kind {
		case hduImage:
			if err := writeFloat64Payload(w, u.image); err != nil {
				return err
			}
		case hduTable:
			flat := make([]float64, 0, len(u.rows)*len(u.colNames))
			for _, row := range u.rows {
				flat = append(flat, row...)
			}
			if err := writeFloat64Payload(w, flat); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// NbHDUs, NbImages, NbTables (spec.md §4.6).
func (s *Store) NbHDUs() int { return len(s.hdus) }

func (s *Store) NbImages() int {
	n := 0
	for _, u := range s.hdus {
		if u.kind == hduImage && u.header.Has("NAXIS1") {
			n++
		}
	}
	return n
}

func (s *Store) NbTables() int {
	n := 0
	for _, u := range s.hdus {
		if u.kind == hduTable {
			n++
		}
	}
	return n
}

// findByNameOrIndex resolves a name-or-index argument to an HDU of the
// requested kind. A numeric argument selects that HDU index directly.
// Otherwise HDUs of that kind are scanned in file order, keeping only
// those whose DATATYPE equals dataType when dataType is non-empty: a
// non-empty name matches the NAME key, and an empty name returns the
// first candidate. The scan skips image HDUs without image data (such as
// the primary HDU).
func (s *Store) findByNameOrIndex(kind hduKind, nameOrIndex string, dataType string) (*hdu, int, error) {
	if idx, err := parseIndex(nameOrIndex); err == nil {
		if idx < 0 || idx >= len(s.hdus) || s.hdus[idx].kind != kind {
			return nil, 0, fmt.Errorf("fitsstore: no HDU at index %d: %w", idx, xerrors.ErrFormat)
		}
		return s.hdus[idx], idx, nil
	}
	for i, u := range s.hdus {
		if u.kind != kind {
			continue
		}
		if kind == hduImage && !u.header.Has("NAXIS1") {
			continue
		}
		if dataType != "" && u.dataType() != dataType {
			continue
		}
		if nameOrIndex == "" {
			return u, i, nil
		}
		if name, _ := u.header.GetString("NAME"); name == nameOrIndex {
			return u, i, nil
		}
	}
	return nil, 0, fmt.Errorf("fitsstore: no %q HDU named %q: %w", dataType, nameOrIndex, xerrors.ErrFormat)
}

func parseIndex(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func readFloat64Payload(r *bufio.Reader, count int64) ([]float64, error) {
	if count == 0 {
		return nil, nil
	}
	raw := make([]byte, count*8)
	if _, err := readFull(r, raw); err != nil {
		return nil, fmt.Errorf("fitsstore: read payload: %w", xerrors.ErrIO)
	}
	pad := (count * 8) % blockSize
	if pad > 0 {
		if _, err := readFull(r, make([]byte, blockSize-pad)); err != nil {
			return nil, fmt.Errorf("fitsstore: read payload padding: %w", xerrors.ErrIO)
		}
	}
	out := make([]float64, count)
	for i := range out {
		bits := uint64(0)
		for b := 0; b < 8; b++ {
			bits = bits<<8 | uint64(raw[i*8+b])
		}
		out[i] = math.Float64frombits(bits)
	}
	return out, nil
}

func writeFloat64Payload(w *bufio.Writer, data []float64) error {
	buf := make([]byte, len(data)*8)
	for i, v := range data {
		bits := math.Float64bits(v)
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(bits >> (56 - 8*b))
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("fitsstore: write payload: %w", xerrors.ErrIO)
	}
	if pad := len(buf) % blockSize; pad > 0 {
		if _, err := w.Write(make([]byte, blockSize-pad)); err != nil {
			return fmt.Errorf("fitsstore: write payload padding: %w", xerrors.ErrIO)
		}
	}
	return nil
}

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

// Package xerrors defines the error taxonomy shared across the core: IO,
// Format, InsufficientData, Cancelled and Budget. Callers distinguish kinds
// with errors.Is against the sentinels below; wrap with fmt.Errorf("...: %w").
package xerrors

import "errors"

var (
	// ErrIO covers missing files, permission errors and corrupted FITS magic.
	ErrIO = errors.New("io error")

	// ErrFormat covers shape mismatches, incompatible range/space requests,
	// empty star lists where one is required, and singular least-squares
	// systems.
	ErrFormat = errors.New("format error")

	// ErrInsufficientData covers too few stars to register, or fewer than
	// 8 active pairs surviving the registration fit.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrCancelled marks a cooperative interruption, distinguishable from
	// ErrFormat so callers don't treat a cancel as a frame failure.
	ErrCancelled = errors.New("cancelled")

	// ErrBudget marks plate solver time budget exhaustion.
	ErrBudget = errors.New("budget exhausted")
)

// Kind classifies an error against the taxonomy above, defaulting to
// ErrFormat for errors that don't match a more specific sentinel.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIO):
		return ErrIO
	case errors.Is(err, ErrInsufficientData):
		return ErrInsufficientData
	case errors.Is(err, ErrCancelled):
		return ErrCancelled
	case errors.Is(err, ErrBudget):
		return ErrBudget
	default:
		return ErrFormat
	}
}

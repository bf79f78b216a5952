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

// Package logging is the singleton log writer shared by the whole core.
// It writes to stdout and, optionally, mirrors into a file, same as the
// teacher's internal/log.go. It additionally exposes a structured
// log/slog.Logger for the live orchestrator's progress/invalidation
// events, and humanizes byte counts and durations in trace lines via
// dustin/go-humanize.
package logging

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

var logFile *bufio.Writer
var logFileOS *os.File

// structured is the process-wide structured logger used for
// progressNotification/invalidation/worker-lifecycle events. Text handler
// by default; callers embedded in a larger service can replace it with
// ReplaceStructured.
var structured = slog.New(slog.NewTextHandler(os.Stdout, nil))

// ReplaceStructured swaps the structured logger, e.g. to route into a
// JSON handler or a different sink.
func ReplaceStructured(l *slog.Logger) {
	structured = l
}

// Structured returns the current structured logger.
func Structured() *slog.Logger {
	return structured
}

// AlsoToFile enables mirroring of LogPrint* output into the given file.
func AlsoToFile(fileName string) (err error) {
	if logFile != nil {
		if err = logFile.Flush(); err != nil {
			return err
		}
		if err = logFileOS.Close(); err != nil {
			return err
		}
	}
	logFileOS, err = os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	logFile = bufio.NewWriter(logFileOS)
	return nil
}

func Print(args ...interface{}) (n int, err error) {
	n, err = fmt.Print(args...)
	if err != nil || logFile == nil {
		return n, err
	}
	return fmt.Fprint(logFile, args...)
}

func Printf(format string, args ...interface{}) (n int, err error) {
	n, err = fmt.Printf(format, args...)
	if err != nil || logFile == nil {
		return n, err
	}
	return fmt.Fprintf(logFile, format, args...)
}

func Println(args ...interface{}) (n int, err error) {
	n, err = fmt.Println(args...)
	if err != nil || logFile == nil {
		return n, err
	}
	return fmt.Fprintln(logFile, args...)
}

func Fatalf(format string, args ...interface{}) {
	fmt.Printf(format, args...)
	if logFile != nil {
		fmt.Fprintf(logFile, format, args...)
		logFile.Flush()
		logFileOS.Close()
	}
	os.Exit(1)
}

func Sync() {
	if logFile != nil {
		logFile.Flush()
		logFileOS.Sync()
	}
}

// Bytes formats a byte count the way progress/trace lines report frame and
// stack sizes, e.g. "12 MB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

// Since formats an elapsed duration the way progress lines report stage
// timings, as humanize.RelTime wording in whole units, e.g. "now" or
// "3 seconds".
func Since(start time.Time) string {
	return humanize.RelTime(start, time.Now(), "", "")
}

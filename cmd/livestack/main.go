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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Kanma/astrophoto-toolbox/internal/live"
	"github.com/Kanma/astrophoto-toolbox/internal/logging"
)

var folder = flag.String("folder", "", "working `folder` holding stacking.txt, frames and outputs (required)")
var threshold = flag.Float64("threshold", -1, "luminancy threshold [0..100] for star detection, -1: auto")
var watch = flag.Bool("watch", true, "watch `folder` for new FITS light frames and stack them as they arrive")
var logPath = flag.String("log", "", "mirror log output to `file` in addition to stdout")

type cliListener struct{}

func (cliListener) ProgressNotification(infos live.Infos) {
	logging.Structured().Info("progress",
		"darks", infos.NbDarkFrames,
		"lights", infos.NbLightFrames,
		"processed", infos.NbProcessed,
		"registered", infos.NbRegistered,
		"stacked", infos.NbStacked,
	)
}

func (cliListener) StackingDone(path string) {
	logging.Structured().Info("stacking done", "path", path)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Livestack Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s -folder dir [-threshold t] [-watch=false] [-log file]

Loads stacking.txt from -folder (if present), then continuously computes
the master dark, calibrates, registers and stacks every light frame it is
told about, writing calibrated/lights/*.fits and stacked.fits as it goes.
If -watch is set, new FITS files that appear in -folder while running are
added as light frames; otherwise drive it programmatically via the
internal/live package.

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *folder == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *logPath != "" {
		if err := logging.AlsoToFile(*logPath); err != nil {
			fmt.Fprintf(os.Stderr, "livestack: unable to open log file %s: %v\n", *logPath, err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(*folder, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "livestack: %v\n", err)
		os.Exit(1)
	}

	o := live.New()
	if err := o.Setup(cliListener{}, *folder, *threshold); err != nil {
		fmt.Fprintf(os.Stderr, "livestack: %v\n", err)
		os.Exit(1)
	}
	if err := o.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "livestack: %v\n", err)
		os.Exit(1)
	}
	if err := o.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "livestack: %v\n", err)
		os.Exit(1)
	}

	if *watch {
		w, err := o.WatchFolder(filepath.Clean(*folder))
		if err != nil {
			fmt.Fprintf(os.Stderr, "livestack: unable to watch %s: %v\n", *folder, err)
			os.Exit(1)
		}
		defer w.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Structured().Info("livestack: shutting down")
	o.Stop()
	if err := o.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "livestack: %v\n", err)
		os.Exit(1)
	}
}

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

// Package live is the live orchestrator (component H): the state
// machine gluing the four worker queues (component G) to the frame
// status tables, the cascade invalidation rules, and a listener-based
// progress protocol. No teacher file implements this directly (nightlight
// is a batch CLI tool); this package's control flow is grounded on
// original_source/include/astrophoto-toolbox/stacking/livestacking.h(pp)
// and spec.md §4.8, written in the teacher's general idiom (exported
// methods on a struct guarded by a single mutex, listener callbacks,
// structured logging of lifecycle events).
package live

// GlobalState is the orchestrator's top-level state (spec.md §4.8).
type GlobalState int

const (
	Idle GlobalState = iota
	Running
	Stopping
)

// SubState refines Running.
type SubState int

const (
	SubStateNone SubState = iota
	SubStateMasterDark
	SubStateProcessing
	SubStateDone
)

// DarkFrameStatus tracks one dark frame (spec.md §3).
type DarkFrameStatus struct {
	Path    string
	Stacked bool
	Pending bool
}

// LightFrameStatus tracks one light frame (spec.md §3). A frame advances
// Calibrated -> Registered -> Stacked only in order; Valid=false
// terminates it; Ready=true means no worker currently owns it.
type LightFrameStatus struct {
	Path       string
	Calibrated bool
	Registered bool
	Stacked    bool
	Valid      bool
	Ready      bool
}

// Infos is a consistent point-in-time snapshot of the orchestrator's
// status tables (spec.md §3). NbProcessed counts calibrated light
// frames; dark-frame progress is exposed separately via Darks, since
// spec.md §8 scenario 5 expects NbProcessed to reset to zero on a
// reference change even though the already-computed master dark is
// untouched by that cascade.
type Infos struct {
	NbDarkFrames  int
	NbLightFrames int
	NbProcessed   int
	NbRegistered  int
	NbValid       int
	NbStacking    int
	NbStacked     int
	Darks         []DarkFrameStatus
	Lights        []LightFrameStatus
}

// Listener receives progress events (spec.md §4.8).
type Listener interface {
	ProgressNotification(infos Infos)
	StackingDone(path string)
}

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

package live

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pbnjay/memory"

	"github.com/Kanma/astrophoto-toolbox/internal/bitmap"
	"github.com/Kanma/astrophoto-toolbox/internal/calibration"
	"github.com/Kanma/astrophoto-toolbox/internal/fitsstore"
	"github.com/Kanma/astrophoto-toolbox/internal/geom"
	"github.com/Kanma/astrophoto-toolbox/internal/logging"
	"github.com/Kanma/astrophoto-toolbox/internal/registration"
	"github.com/Kanma/astrophoto-toolbox/internal/stacking"
	"github.com/Kanma/astrophoto-toolbox/internal/star"
	"github.com/Kanma/astrophoto-toolbox/internal/worker"
	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// DefaultUniformizeCut is the maximum number of detected stars, brightest
// first, written with each calibrated light frame.
const DefaultUniformizeCut = 1000

// totalMiBs mirrors the teacher's cmd/nightlight/main.go sizing of its
// own -stMemory flag default from pbnjay/memory.TotalMemory().
var totalMiBs = memory.TotalMemory() / 1024 / 1024

// DefaultStackingBatch is the number of registered frames the stacking
// worker accumulates before rewriting stacked.fits (spec.md §6), capped
// against physical memory the same way: assume ~64MiB resident per
// in-flight frame/accumulator pair and commit at most half of RAM to the
// backlog, so a constrained host doesn't try to hold 100 full frames.
var DefaultStackingBatch = defaultStackingBatch(totalMiBs)

func defaultStackingBatch(totalMiBs uint64) int {
	const (
		mibPerFrame = 64
		minBatch    = 10
		maxBatch    = 100
	)
	n := int((totalMiBs / 2) / mibPerFrame)
	if n < minBatch {
		return minBatch
	}
	if n > maxBatch {
		return maxBatch
	}
	return n
}

const (
	masterDarkFileName = "master_dark.fits"
	stackedFileName    = "stacked.fits"
	calibratedLightsDir = "calibrated/lights"
	configFileName     = "stacking.txt"
)

// Orchestrator is the live orchestrator (component H): it owns the four
// worker queues, the frame status tables, and the cascade invalidation
// rules that keep them consistent across reference changes and threshold
// edits (spec.md §4.8).
type Orchestrator struct {
	mu sync.Mutex

	listener Listener
	folder   string

	luminancyThreshold float64
	hasThreshold       bool

	state GlobalState
	sub   SubState

	darks    []DarkFrameStatus
	lights   []LightFrameStatus
	refIndex int // -1 if unset

	cancelling bool

	masterDark     *bitmap.Bitmap
	masterDarkPath string
	haveMasterDark bool

	stacker *stacking.Stacker

	masterDarkWorker  *worker.Worker
	calibrationWorker *worker.Worker
	registrationWorker *worker.Worker
	stackingWorker    *worker.Worker
}

// New creates an orchestrator in the Idle state, not yet wired to a
// folder or listener (spec.md §4.8 setup()).
func New() *Orchestrator {
	return &Orchestrator{refIndex: -1}
}

// Setup binds the orchestrator to a listener and working folder and
// constructs the four workers. Only valid from Idle (spec.md §4.8).
func (o *Orchestrator) Setup(listener Listener, folder string, luminancyThreshold float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Idle {
		return fmt.Errorf("live: setup requires Idle state: %w", xerrors.ErrFormat)
	}
	o.listener = listener
	o.folder = folder
	if luminancyThreshold >= 0 {
		o.luminancyThreshold = luminancyThreshold
		o.hasThreshold = true
	}

	o.masterDarkWorker = worker.New(o.handleMasterDark)
	o.calibrationWorker = worker.New(o.handleCalibration)
	o.registrationWorker = worker.New(o.handleRegistration)
	o.stackingWorker = worker.New(o.handleStacking)

	logging.Structured().Info("live: setup complete", "folder", folder)
	return nil
}

// Load parses stacking.txt, populating the status tables (spec.md §4.8).
func (o *Orchestrator) Load() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cfg, err := loadConfigFile(filepath.Join(o.folder, configFileName))
	if err != nil {
		return err
	}

	masterDarkExists := fileExists(filepath.Join(o.folder, masterDarkFileName))

	o.darks = make([]DarkFrameStatus, len(cfg.darkPaths))
	for i, p := range cfg.darkPaths {
		o.darks[i] = DarkFrameStatus{Path: p, Stacked: masterDarkExists, Pending: false}
	}

	o.lights = make([]LightFrameStatus, len(cfg.lightPaths))
	for i, p := range cfg.lightPaths {
		calibratedPath := o.calibratedPathFor(p)
		calibrated := fileExists(calibratedPath)
		registered := false
		if calibrated {
			if nbStars := countStars(calibratedPath); nbStars > 0 {
				registered = true
			}
		}
		o.lights[i] = LightFrameStatus{
			Path:       p,
			Calibrated: calibrated,
			Registered: registered,
			Valid:      true,
			Ready:      true,
		}
	}

	if cfg.refIndex != nil {
		o.refIndex = *cfg.refIndex
	} else {
		o.refIndex = -1
	}
	return nil
}

// Save emits stacking.txt from the current status tables (spec.md §4.8).
func (o *Orchestrator) Save() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cfg := &config{}
	for _, d := range o.darks {
		cfg.darkPaths = append(cfg.darkPaths, d.Path)
	}
	for _, l := range o.lights {
		cfg.lightPaths = append(cfg.lightPaths, l.Path)
	}
	if o.refIndex >= 0 {
		idx := o.refIndex
		cfg.refIndex = &idx
	}
	return saveConfigFile(filepath.Join(o.folder, configFileName), cfg)
}

// AddDarkFrame appends a dark frame and, while running, applies the
// "add_dark_frame while running" cascade rule (spec.md §4.8).
func (o *Orchestrator) AddDarkFrame(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.darks = append(o.darks, DarkFrameStatus{Path: path})

	if o.state == Running {
		o.cancelAllWorkersLocked()
		o.removePath(filepath.Join(o.folder, masterDarkFileName))
		o.removePath(filepath.Join(o.folder, stackedFileName))
		o.removeCalibratedLightsLocked()
		for i := range o.lights {
			o.lights[i] = LightFrameStatus{Path: o.lights[i].Path, Valid: true, Ready: true}
		}
		o.haveMasterDark = false
		o.stacker = nil
		o.nextStepLocked()
	}
	return nil
}

// AddLightFrame appends a light frame and, while running, enqueues it
// into the stage it needs (spec.md §4.8).
func (o *Orchestrator) AddLightFrame(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.lights = append(o.lights, LightFrameStatus{Path: path, Valid: true, Ready: true})
	if o.state == Running {
		o.nextStepLocked()
	}
	return nil
}

// SetReference changes the reference light frame and triggers a full
// cascade invalidation (spec.md §4.8).
func (o *Orchestrator) SetReference(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if index < 0 || index >= len(o.lights) {
		return fmt.Errorf("live: reference index %d out of range: %w", index, xerrors.ErrFormat)
	}

	o.cancelAllWorkersLocked()
	o.removePath(filepath.Join(o.folder, stackedFileName))
	o.removeCalibratedLightsLocked()
	for i := range o.lights {
		o.lights[i] = LightFrameStatus{Path: o.lights[i].Path, Valid: true, Ready: true}
	}
	o.stacker = nil
	o.refIndex = index

	if o.state == Running {
		o.nextStepLocked()
	}
	return nil
}

// SetLuminancyThreshold changes the registration threshold and triggers
// a partial invalidation of registration and stacking only (spec.md
// §4.8).
func (o *Orchestrator) SetLuminancyThreshold(t float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cancelWorkersLocked(o.registrationWorker, o.stackingWorker)
	o.removePath(filepath.Join(o.folder, stackedFileName))
	for i := range o.lights {
		l := &o.lights[i]
		l.Registered = false
		l.Stacked = false
		l.Ready = l.Calibrated
	}
	o.stacker = nil
	o.luminancyThreshold = t
	o.hasThreshold = true

	if o.state == Running {
		o.nextStepLocked()
	}
	return nil
}

// Start transitions Idle -> Running, starts the four workers and kicks
// off next_step() (spec.md §4.8).
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Idle {
		return fmt.Errorf("live: start requires Idle state: %w", xerrors.ErrFormat)
	}
	o.state = Running
	o.cancelling = false
	o.masterDarkWorker.Start()
	o.calibrationWorker.Start()
	o.registrationWorker.Start()
	o.stackingWorker.Start()
	o.nextStepLocked()
	return nil
}

// Stop drains all workers, blocking the caller until quiescent (spec.md
// §4.8, §5).
func (o *Orchestrator) Stop() {
	var wg sync.WaitGroup
	o.StopAsync(&wg)
	wg.Wait()
}

// StopAsync is the non-blocking form of Stop. A non-nil latch gets one
// latch.Add(1) and one latch.Done(), the latter once all four workers have
// drained and exited and the state is back to Idle.
func (o *Orchestrator) StopAsync(latch *sync.WaitGroup) {
	o.mu.Lock()
	o.state = Stopping
	workers := []*worker.Worker{o.masterDarkWorker, o.calibrationWorker, o.registrationWorker, o.stackingWorker}
	o.mu.Unlock()

	var inner sync.WaitGroup
	inner.Add(len(workers))
	for _, w := range workers {
		w.Stop(&inner)
	}
	if latch != nil {
		latch.Add(1)
	}
	go func() {
		inner.Wait()
		o.mu.Lock()
		o.state = Idle
		o.mu.Unlock()
		if latch != nil {
			latch.Done()
		}
	}()
}

// Cancel discards queued work on all workers and blocks until quiescent
// (spec.md §4.8, §5).
func (o *Orchestrator) Cancel() {
	var wg sync.WaitGroup
	o.CancelAsync(&wg)
	wg.Wait()
}

// CancelAsync is the non-blocking form of Cancel (spec.md §4.8, §5).
func (o *Orchestrator) CancelAsync(latch *sync.WaitGroup) {
	o.mu.Lock()
	o.cancelling = true
	workers := []*worker.Worker{o.masterDarkWorker, o.calibrationWorker, o.registrationWorker, o.stackingWorker}
	o.mu.Unlock()

	var inner sync.WaitGroup
	inner.Add(len(workers))
	for _, w := range workers {
		w.Cancel(&inner)
	}
	if latch != nil {
		latch.Add(1)
	}
	go func() {
		inner.Wait()
		o.mu.Lock()
		o.cancelling = false
		for i := range o.darks {
			o.darks[i].Pending = false
		}
		for i := range o.lights {
			o.lights[i].Ready = true
		}
		o.mu.Unlock()
		if latch != nil {
			latch.Done()
		}
	}()
}

// Wait blocks until all four workers are quiescent without discarding
// or draining their queues itself (spec.md §4.8).
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	workers := []*worker.Worker{o.masterDarkWorker, o.calibrationWorker, o.registrationWorker, o.stackingWorker}
	o.mu.Unlock()
	for _, w := range workers {
		w.Join()
	}
}

// GetInfos returns a consistent snapshot of the status tables (spec.md
// §4.8).
func (o *Orchestrator) GetInfos() Infos {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.infosLocked()
}

// GetReference returns the current reference light frame's status and
// index, or an error if unset (spec.md §4.8).
func (o *Orchestrator) GetReference() (LightFrameStatus, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refIndex < 0 || o.refIndex >= len(o.lights) {
		return LightFrameStatus{}, -1, fmt.Errorf("live: no reference set: %w", xerrors.ErrFormat)
	}
	return o.lights[o.refIndex], o.refIndex, nil
}

func (o *Orchestrator) infosLocked() Infos {
	infos := Infos{
		NbDarkFrames:  len(o.darks),
		NbLightFrames: len(o.lights),
		Darks:         append([]DarkFrameStatus(nil), o.darks...),
		Lights:        append([]LightFrameStatus(nil), o.lights...),
	}
	for _, l := range o.lights {
		if l.Calibrated {
			infos.NbProcessed++
		}
		if l.Registered {
			infos.NbRegistered++
		}
		if l.Valid {
			infos.NbValid++
		}
		if l.Stacked {
			infos.NbStacked++
		} else if l.Registered {
			infos.NbStacking++
		}
	}
	return infos
}

func (o *Orchestrator) notifyLocked() {
	if o.cancelling || o.listener == nil {
		return
	}
	o.listener.ProgressNotification(o.infosLocked())
}

// cancelAllWorkersLocked synchronously cancels all four workers; callers
// hold o.mu, so the wait happens outside the lock in a scoped unlock.
func (o *Orchestrator) cancelAllWorkersLocked() {
	o.cancelWorkersLocked(o.masterDarkWorker, o.calibrationWorker, o.registrationWorker, o.stackingWorker)
}

func (o *Orchestrator) cancelWorkersLocked(workers ...*worker.Worker) {
	if workers[0] == nil {
		return // Setup not called yet (e.g. Load() before Setup())
	}
	o.mu.Unlock()
	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, w := range workers {
		w.Cancel(&wg)
	}
	wg.Wait()
	o.mu.Lock()
}

func (o *Orchestrator) removePath(path string) {
	os.Remove(path)
}

func (o *Orchestrator) removeCalibratedLightsLocked() {
	os.RemoveAll(filepath.Join(o.folder, calibratedLightsDir))
}

func (o *Orchestrator) calibratedPathFor(lightPath string) string {
	base := strings.TrimSuffix(filepath.Base(lightPath), filepath.Ext(lightPath))
	return filepath.Join(o.folder, calibratedLightsDir, base+".fits")
}

// nextStepLocked implements spec.md §4.8's next_step(): darks take
// absolute priority, then the reference frame, then every other light
// frame at the earliest stage it has not completed.
func (o *Orchestrator) nextStepLocked() {
	anyDarkPending := false
	for _, d := range o.darks {
		if !d.Stacked {
			anyDarkPending = true
			break
		}
	}
	if anyDarkPending {
		o.sub = SubStateMasterDark
		var paths []string
		for i := range o.darks {
			if !o.darks[i].Stacked && !o.darks[i].Pending {
				o.darks[i].Pending = true
				paths = append(paths, o.darks[i].Path)
			}
		}
		if len(paths) > 0 {
			o.masterDarkWorker.PushReferenceFrame(masterDarkFileName, map[string]any{"darks": paths})
		}
		return
	}

	o.sub = SubStateProcessing
	if o.refIndex >= 0 && o.refIndex < len(o.lights) {
		o.enqueueLightLocked(o.refIndex, true)
	}
	for i := range o.lights {
		if i == o.refIndex {
			continue
		}
		o.enqueueLightLocked(i, false)
	}
}

func (o *Orchestrator) enqueueLightLocked(i int, isReference bool) {
	l := &o.lights[i]
	if !l.Valid || !l.Ready {
		return
	}
	switch {
	case !l.Calibrated:
		l.Ready = false
		if isReference {
			o.calibrationWorker.PushReferenceFrame(l.Path, nil)
		} else {
			o.calibrationWorker.PushFrames([]string{l.Path})
		}
	case !l.Registered:
		l.Ready = false
		if isReference {
			o.registrationWorker.PushReferenceFrame(l.Path, map[string]any{"isReference": true})
		} else {
			o.registrationWorker.PushFrames([]string{l.Path})
		}
	case !l.Stacked:
		l.Ready = false
		if isReference {
			o.stackingWorker.PushReferenceFrame(l.Path, nil)
		} else {
			o.stackingWorker.PushFrames([]string{l.Path})
		}
	}
}

// handleMasterDark computes the master dark from the paths carried in
// job.Params and reports the result (spec.md §4.8 master_dark_computed).
func (o *Orchestrator) handleMasterDark(job worker.Job, isCancelled func() bool) {
	paths, _ := job.Params["darks"].([]string)
	var darks []*bitmap.Bitmap
	for _, p := range paths {
		if isCancelled() {
			return
		}
		bmp, err := readBitmapFile(p)
		if err != nil {
			logging.Structured().Error("live: failed to read dark frame", "path", p, "error", err)
			o.masterDarkComputed(paths, "", false)
			return
		}
		darks = append(darks, bmp)
	}
	if isCancelled() {
		return
	}

	master, _, err := calibration.ComputeMasterDark(darks)
	if err != nil {
		o.masterDarkComputed(paths, "", false)
		return
	}

	outPath := filepath.Join(o.folder, masterDarkFileName)
	store, err := fitsstore.Create(outPath + ".tmp")
	if err == nil {
		err = store.WriteBitmap(master, "", nil)
	}
	if err == nil {
		err = store.Close()
	}
	if err == nil {
		err = os.Rename(outPath+".tmp", outPath)
	}
	o.masterDarkComputed(paths, outPath, err == nil)
}

// masterDarkComputed updates only the darks that were part of this batch
// (tracked by path), so a batch failure doesn't falsely mark darks added
// after the batch was submitted, and so a permanent per-frame failure
// doesn't retry forever (spec.md §4.8 master_dark_computed).
func (o *Orchestrator) masterDarkComputed(batch []string, path string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	inBatch := make(map[string]bool, len(batch))
	for _, p := range batch {
		inBatch[p] = true
	}
	for i := range o.darks {
		if inBatch[o.darks[i].Path] {
			o.darks[i].Pending = false
			o.darks[i].Stacked = ok
		}
	}
	if ok {
		bmp, err := readBitmapFile(path)
		if err == nil {
			o.masterDark = bmp
			o.masterDarkPath = path
			o.haveMasterDark = true
		}
		// next_step() only re-arms on success (spec.md §4.8): a failed
		// batch halts rather than retrying the same darks forever. A
		// fresh add_dark_frame or start() re-evaluates next_step().
		o.nextStepLocked()
	}
	o.notifyLocked()
}

// handleCalibration subtracts the master dark, detects stars in the
// result, and writes both into calibrated/lights/<name>.fits (spec.md
// §4.8 light_frame_processed).
func (o *Orchestrator) handleCalibration(job worker.Job, isCancelled func() bool) {
	o.mu.Lock()
	masterDark := o.masterDark
	haveMasterDark := o.haveMasterDark
	threshold := o.luminancyThreshold
	hasThreshold := o.hasThreshold
	outPath := o.calibratedPathFor(job.Path)
	o.mu.Unlock()

	if !haveMasterDark {
		o.lightFrameProcessed(job.Path, false)
		return
	}

	light, meta, err := readBitmapAndMetaFile(job.Path)
	if err != nil {
		o.lightFrameProcessed(job.Path, false)
		return
	}
	if isCancelled() {
		return
	}

	calibrated, err := calibration.Calibrate(light, masterDark)
	if err != nil {
		o.lightFrameProcessed(job.Path, false)
		return
	}
	if isCancelled() {
		return
	}

	lt := threshold
	if !hasThreshold {
		lt = -1
	}
	stars := star.DetectStacking(calibrated, star.DetectOptions{LuminancyThreshold: lt})
	stars = star.TopN(stars, DefaultUniformizeCut)

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		o.lightFrameProcessed(job.Path, false)
		return
	}
	store, err := fitsstore.Create(outPath)
	if err == nil {
		err = store.WriteBitmap(calibrated, "", &meta)
	}
	if err == nil {
		err = store.WriteStars(stars, calibrated.Width(), calibrated.Height(), threshold, hasThreshold, "", false)
	}
	if err == nil {
		err = store.Close()
	}
	o.lightFrameProcessed(job.Path, err == nil)
}

func (o *Orchestrator) lightFrameProcessed(path string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.lights {
		if o.lights[i].Path == path {
			o.lights[i].Calibrated = ok
			if ok {
				o.lights[i].Ready = true
			} else {
				o.lights[i].Valid = false
				o.lights[i].Ready = true
			}
			break
		}
	}
	o.nextStepLocked()
	o.notifyLocked()
}

// handleRegistration computes the geometric transform between the
// reference's stars and this frame's stars, or writes the identity
// transform if this job is itself the reference (spec.md §4.8
// light_frame_registered).
func (o *Orchestrator) handleRegistration(job worker.Job, isCancelled func() bool) {
	o.mu.Lock()
	calibPath := o.calibratedPathFor(job.Path)
	var refPath string
	if o.refIndex >= 0 && o.refIndex < len(o.lights) {
		refPath = o.calibratedPathFor(o.lights[o.refIndex].Path)
	}
	o.mu.Unlock()

	isReference, _ := job.Params["isReference"].(bool)

	stars, w, h, err := readStarsFile(calibPath)
	if err != nil {
		o.lightFrameRegistered(job.Path, false)
		return
	}

	var transform geom.Transformation
	if isReference || refPath == calibPath {
		transform = geom.Identity()
		transform.XWidth = float64(w)
		transform.YWidth = float64(h)
	} else {
		if isCancelled() {
			return
		}
		refStars, _, _, err := readStarsFile(refPath)
		if err != nil {
			o.lightFrameRegistered(job.Path, false)
			return
		}
		transform, _, err = registration.Register(refStars, stars, registration.Options{
			TargetWidth:  float64(w),
			TargetHeight: float64(h),
		})
		if err != nil {
			o.lightFrameRegistered(job.Path, false)
			return
		}
	}

	store, err := fitsstore.Open(calibPath, false)
	if err == nil {
		err = store.WriteTransformation(transform, "", true)
	}
	if err == nil {
		err = store.Close()
	}
	o.lightFrameRegistered(job.Path, err == nil)
}

func (o *Orchestrator) lightFrameRegistered(path string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.lights {
		if o.lights[i].Path == path {
			o.lights[i].Registered = ok
			if ok {
				o.lights[i].Ready = true
			} else {
				o.lights[i].Valid = false
				o.lights[i].Ready = true
			}
			break
		}
	}
	o.nextStepLocked()
	o.notifyLocked()
}

// handleStacking warps and accumulates one registered frame into the
// running stack; lightFramesStacked decides whether this is the moment
// to flush (spec.md §4.8 light_frames_stacked).
func (o *Orchestrator) handleStacking(job worker.Job, isCancelled func() bool) {
	calibPath := o.calibratedPathFor(job.Path)

	bmp, _, err := readBitmapAndMetaFile(calibPath)
	if err != nil {
		o.lightFrameStackFailed(job.Path)
		return
	}
	trans, err := readTransformFile(calibPath)
	if err != nil {
		o.lightFrameStackFailed(job.Path)
		return
	}
	if isCancelled() {
		return
	}

	o.mu.Lock()
	if o.stacker == nil {
		o.stacker = stacking.New(bmp.Width(), bmp.Height(), bmp.Channels(), bmp.Depth(), bmp.RangeTag(), bmp.SpaceTag())
	}
	s := o.stacker
	o.mu.Unlock()

	if err := s.AddFrame(bmp, trans); err != nil {
		o.lightFrameStackFailed(job.Path)
		return
	}

	o.lightFramesStacked(job.Path, s)
}

func (o *Orchestrator) lightFrameStackFailed(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.lights {
		if o.lights[i].Path == path {
			o.lights[i].Valid = false
			o.lights[i].Ready = true
			break
		}
	}
	o.nextStepLocked()
	o.notifyLocked()
}

// lightFramesStacked marks path stacked and flushes stacked.fits (and
// fires stackingDone) either every DefaultStackingBatch accumulated
// frames, bounding memory use across a large backlog, or once no
// registered+valid light frame remains unstacked — so a small live batch
// (e.g. three frames) gets exactly one refreshed stacked.fits and one
// stackingDone, at the end of the pass, rather than one per frame
// (spec.md §4.8 light_frames_stacked, §8 scenario 4).
func (o *Orchestrator) lightFramesStacked(path string, s *stacking.Stacker) {
	o.mu.Lock()
	for i := range o.lights {
		if o.lights[i].Path == path {
			o.lights[i].Stacked = true
			o.lights[i].Ready = true
			break
		}
	}
	remaining := 0
	for _, l := range o.lights {
		if l.Registered && l.Valid && !l.Stacked {
			remaining++
		}
	}
	shouldFlush := remaining == 0 || s.Count()%DefaultStackingBatch == 0
	listener := o.listener
	cancelling := o.cancelling
	o.nextStepLocked()
	o.notifyLocked()
	o.mu.Unlock()

	if !shouldFlush {
		return
	}

	outPath := filepath.Join(o.folder, stackedFileName)
	if err := s.WriteAtomic(outPath); err != nil {
		logging.Structured().Error("live: failed to write stacked.fits", "error", err)
		return
	}
	if listener != nil && !cancelling {
		listener.StackingDone(outPath)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func countStars(path string) int {
	store, err := fitsstore.Open(path, true)
	if err != nil {
		return 0
	}
	defer store.Close()
	stars, _, _, err := store.ReadStars("STARS")
	if err != nil {
		return 0
	}
	return len(stars)
}

func readBitmapFile(path string) (*bitmap.Bitmap, error) {
	bmp, _, err := readBitmapAndMetaFile(path)
	return bmp, err
}

func readBitmapAndMetaFile(path string) (*bitmap.Bitmap, fitsstore.CaptureMetadata, error) {
	store, err := fitsstore.Open(path, true)
	if err != nil {
		return nil, fitsstore.CaptureMetadata{}, err
	}
	defer store.Close()
	return store.ReadBitmap("")
}

func readStarsFile(path string) ([]star.Star, int, int, error) {
	store, err := fitsstore.Open(path, true)
	if err != nil {
		return nil, 0, 0, err
	}
	defer store.Close()
	return store.ReadStars("")
}

func readTransformFile(path string) (geom.Transformation, error) {
	store, err := fitsstore.Open(path, true)
	if err != nil {
		return geom.Transformation{}, err
	}
	defer store.Close()
	return store.ReadTransformation("")
}

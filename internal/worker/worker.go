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

// Package worker is the worker thread model (component G): a
// single-consumer FIFO queue with a reference-frame leapfrog rule,
// cooperative cancellation, and idempotent start/stop/reset/cancel
// lifecycle operations. The teacher's internal/pool.go caps concurrent
// goroutines with a semaphore channel for a one-shot batch job; this
// package instead models one long-lived consumer goroutine per pipeline
// stage with a persistent queue, since spec.md §4.7 needs push/cancel/
// reset operations across the worker's entire lifetime, not just a
// bounded fan-out.
package worker

import (
	"sync"

	"github.com/google/uuid"
)

// Job is one unit of work pushed to a worker: a file path plus
// caller-supplied parameters, tagged with a correlation ID for log
// output (spec.md §4.7).
type Job struct {
	ID          uuid.UUID
	Path        string
	Params      map[string]any
	IsReference bool
}

// Handler processes one job. isCancelled is polled at interruption
// points inside long-running computations (spec.md §4.7 "Interruption
// points").
type Handler func(job Job, isCancelled func() bool)

// Worker owns one single-consumer FIFO queue and at most one goroutine
// processing it.
type Worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	started bool
	stop    bool // drain then exit
	cancel  bool // drop queue, interrupt current job
	busy    bool // a job has been dequeued and handler is running
	done    chan struct{}

	handler Handler
}

// New creates a worker bound to handler, not yet started.
func New(handler Handler) *Worker {
	w := &Worker{handler: handler}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start spawns exactly one consumer goroutine; idempotent when already
// started (spec.md §4.7).
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.stop = false
	w.cancel = false
	w.done = make(chan struct{})
	go w.run()
}

// PushFrames enqueues regular jobs in push order.
func (w *Worker) PushFrames(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.queue = append(w.queue, Job{ID: uuid.New(), Path: p})
	}
	w.cond.Broadcast()
}

// PushReferenceFrame enqueues a reference job that leapfrogs any
// remaining regular frames already queued (spec.md §4.7 Ordering
// guarantee): it is inserted at the front of the queue, ahead of
// whatever hasn't started yet.
func (w *Worker) PushReferenceFrame(path string, params map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job := Job{ID: uuid.New(), Path: path, Params: params, IsReference: true}
	w.queue = append([]Job{job}, w.queue...)
	w.cond.Broadcast()
}

// Cancel drops all queued items and requests that the current job abort
// at its next safe point, releasing latch once quiescent. Calling Cancel
// on a non-started worker releases latch immediately (spec.md §4.7).
func (w *Worker) Cancel(latch *sync.WaitGroup) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		if latch != nil {
			latch.Done()
		}
		return
	}
	w.queue = nil
	w.cancel = true
	w.cond.Broadcast()
	w.mu.Unlock()

	if latch != nil {
		go func() {
			<-w.quiescence()
			latch.Done()
		}()
	}
}

// Stop drains the queue (finishes current and queued items) then exits,
// releasing latch (spec.md §4.7).
func (w *Worker) Stop(latch *sync.WaitGroup) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		if latch != nil {
			latch.Done()
		}
		return
	}
	w.stop = true
	w.cond.Broadcast()
	w.mu.Unlock()

	if latch != nil {
		go func() {
			w.Join()
			latch.Done()
		}()
	}
}

// Reset drops queued items but keeps the worker running for future
// pushes (spec.md §4.7).
func (w *Worker) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = nil
}

// Join blocks until the worker's goroutine has exited.
func (w *Worker) Join() {
	w.mu.Lock()
	done := w.done
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	<-done
}

// Wait is a synonym for Join (spec.md §4.7 names both).
func (w *Worker) Wait() { w.Join() }

// quiescence returns a channel closed once the queue is empty and no job
// is mid-flight. busy is what makes this wait past a job that's already
// been dequeued by run() (spec.md §4.7/§5): without it, Cancel's latch
// would release while the handler goroutine is still running.
func (w *Worker) quiescence() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		w.mu.Lock()
		for len(w.queue) > 0 || w.busy {
			w.cond.Wait()
		}
		w.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (w *Worker) run() {
	defer func() {
		w.mu.Lock()
		w.started = false
		close(w.done)
		w.mu.Unlock()
	}()

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stop && !w.cancel {
			w.cond.Wait()
		}
		if w.cancel {
			w.queue = nil
			w.cancel = false
			w.cond.Broadcast()
			w.mu.Unlock()
			continue // remain running, awaiting further pushes or Stop
		}
		if len(w.queue) == 0 && w.stop {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		w.busy = true
		w.mu.Unlock()

		w.handler(job, w.isCancelled)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *Worker) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel
}

// worker.go - Structured task scope.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package worker provides a scope owning a set of goroutines that are
// always joined before the scope is considered finished.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed goroutines.  The zero value is usable and is
// not tied to any parent context.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	haltCh chan struct{}
}

// New returns a Worker whose context is derived from parent, so cancelling
// parent has the same effect on the goroutines as calling Halt.
func New(parent context.Context) *Worker {
	return &Worker{parent: parent}
}

// Go executes fn in a new goroutine.  It is fn's responsibility to watch
// Context or HaltCh and return promptly once the scope is halted.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every goroutine started under the Worker to terminate and
// waits for all of them to return.  Calling Halt more than once is safe.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		w.cancel()
		close(w.haltCh)
	})
	w.Wait()
}

// HaltCh returns a channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Context returns a context that is cancelled on Halt or when the parent
// context is done.
func (w *Worker) Context() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

func (w *Worker) init() {
	parent := w.parent
	if parent == nil {
		parent = context.Background()
	}
	w.ctx, w.cancel = context.WithCancel(parent)
	w.haltCh = make(chan struct{})
}

// Package worker provides the goroutine lifecycle embedding used throughout
// this module: a type that can launch goroutines tied to its lifetime and
// halt them all from a single call. Embed Worker, launch background loops
// with Go, and let callers select on HaltCh() to notice shutdown.
package worker

import "sync"

// Worker is embedded by types that own one or more background goroutines.
// The zero value is ready to use.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Go launches fn in a goroutine tracked by this Worker's Wait.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh, signalling every goroutine launched with Go to return.
// Halt is safe to call more than once and from multiple goroutines.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine launched with Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

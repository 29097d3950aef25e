// Package worker runs backend calls on one dedicated goroutine and blocks the
// caller until the round trip completes.
//
// A function running on the worker must not call Do on the same worker: the
// worker is busy with the caller and the call could never be served. Do
// detects this through the context it hands to fn and fails with
// [ErrWorkerReentry] instead of deadlocking.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/brettbedarf/mountfs/internal/util"
)

var (
	// ErrWorkerReentry is returned when Do is called from the worker itself
	ErrWorkerReentry = errors.New("worker: call from its own worker goroutine")
	// ErrWorkerClosed is returned by Do after Close
	ErrWorkerClosed = errors.New("worker: closed")
)

type ctxKey struct{}

type request struct {
	ctx context.Context
	fn  func(ctx context.Context) error
	res chan error
}

// Worker owns one goroutine that executes submitted functions in order
type Worker struct {
	name    string
	reqs    chan request
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New starts a worker. name is used in log lines only.
func New(name string) *Worker {
	w := &Worker{
		name:    name,
		reqs:    make(chan request),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	logger := util.GetLogger("Worker")
	defer close(w.done)
	logger.Debug().Str("worker", w.name).Msg("Worker started")
	for {
		select {
		case r := <-w.reqs:
			r.res <- r.fn(context.WithValue(r.ctx, ctxKey{}, w))
		case <-w.closing:
			logger.Debug().Str("worker", w.name).Msg("Worker stopped")
			return
		}
	}
}

// Do runs fn on the worker and returns its result. fn receives a context
// derived from ctx that marks the worker goroutine.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if OnWorker(ctx, w) {
		return ErrWorkerReentry
	}
	r := request{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case w.reqs <- r:
	case <-w.closing:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.res:
		return err
	case <-ctx.Done():
		// fn keeps running; its result is dropped
		return ctx.Err()
	}
}

// OnWorker reports whether ctx was handed out by w to a running function
func OnWorker(ctx context.Context, w *Worker) bool {
	cur, _ := ctx.Value(ctxKey{}).(*Worker)
	return cur == w
}

// Close stops the worker after the function in flight, if any, returns
func (w *Worker) Close() error {
	w.once.Do(func() { close(w.closing) })
	<-w.done
	return nil
}

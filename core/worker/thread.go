package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

var errThreadExited = errors.New("thread body exited")

// BlockingFunc is the body of a ThreadWorker. It runs on a dedicated OS
// thread, reads from input until the channel is closed or ctx is done, and
// publishes results with emit. emit reports false once nobody is listening.
type BlockingFunc[I, O any] func(ctx context.Context, input <-chan I, emit func(O) bool)

// ThreadWorker bridges a blocking body, like a native audio write loop, onto
// the cooperative queues. Two relays copy items between the queues and the
// thread; either relay or the body exiting stops the others.
type ThreadWorker[I, O any] struct {
	name   string
	input  *Queue[I]
	output *Queue[O]
	body   BlockingFunc[I, O]
	logger *slog.Logger

	lifecycle lifecycle
}

func NewThreadWorker[I, O any](name string, input *Queue[I], output *Queue[O], body BlockingFunc[I, O], opts ...Option) *ThreadWorker[I, O] {
	if input == nil {
		input = NewQueue[I]()
	}
	if output == nil {
		output = NewQueue[O]()
	}

	o := newOptions(opts)
	return &ThreadWorker[I, O]{
		name:      name,
		input:     input,
		output:    output,
		body:      body,
		logger:    o.logger.With("worker", name),
		lifecycle: newLifecycle(),
	}
}

func (w *ThreadWorker[I, O]) Input() *Queue[I]  { return w.input }
func (w *ThreadWorker[I, O]) Output() *Queue[O] { return w.output }
func (w *ThreadWorker[I, O]) Send(item I)       { w.input.Put(item) }

func (w *ThreadWorker[I, O]) Start(ctx context.Context) bool {
	return w.lifecycle.start(ctx, w.run)
}

func (w *ThreadWorker[I, O]) Terminate() bool      { return w.lifecycle.terminate() }
func (w *ThreadWorker[I, O]) Done() <-chan struct{} { return w.lifecycle.done }

func (w *ThreadWorker[I, O]) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	toThread := make(chan I)
	fromThread := make(chan O)
	threadDone := make(chan struct{})

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(threadDone)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("thread body panicked", "error", fmt.Errorf("%v", r))
			}
		}()

		w.body(ctx, toThread, func(item O) bool {
			select {
			case fromThread <- item:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	g.Go(func() error {
		defer close(toThread)
		for {
			item, err := w.input.Get(ctx)
			if err != nil {
				return err
			}
			select {
			case toThread <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case item := <-fromThread:
				w.output.Put(item)
			case <-threadDone:
				return errThreadExited
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errThreadExited) && !errors.Is(err, context.Canceled) {
		w.logger.Error("thread worker stopped", "error", err)
	}

	// The body must have released its resources before Done fires.
	<-threadDone
}

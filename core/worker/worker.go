// Package worker provides the queue driven stages every part of a
// conversation is built from.
//
// A stage owns an ordered input mailbox and an ordered output mailbox and runs
// exactly one consumption loop. Stopping is cooperative: Terminate cancels the
// loop's context and the loop exits at its next suspension point without
// starting new work.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/koscakluka/ema-calls/core/errs"
)

type Option func(*options)

type options struct {
	logger         *slog.Logger
	maxConcurrency int
}

func newOptions(opts []Option) options {
	o := options{logger: logger, maxConcurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxConcurrency is accepted by interruptible workers for compatibility
// but they always run one task at a time, so only one utterance can ever be
// barged in on.
func WithMaxConcurrency(n int) Option {
	return func(o *options) { o.maxConcurrency = n }
}

// ProcessFunc handles a single item. Results are published on output.
type ProcessFunc[I, O any] func(ctx context.Context, item I, output *Queue[O]) error

// QueueWorker is the basic pipeline stage: it takes items off its input
// queue strictly in arrival order and hands them to process one at a time.
type QueueWorker[I, O any] struct {
	name    string
	input   *Queue[I]
	output  *Queue[O]
	process ProcessFunc[I, O]
	logger  *slog.Logger

	lifecycle lifecycle
}

// NewQueueWorker creates a stage. Passing nil queues allocates fresh ones;
// passing another stage's output queue chains the two.
func NewQueueWorker[I, O any](name string, input *Queue[I], output *Queue[O], process ProcessFunc[I, O], opts ...Option) *QueueWorker[I, O] {
	if input == nil {
		input = NewQueue[I]()
	}
	if output == nil {
		output = NewQueue[O]()
	}

	o := newOptions(opts)
	return &QueueWorker[I, O]{
		name:      name,
		input:     input,
		output:    output,
		process:   process,
		logger:    o.logger.With("worker", name),
		lifecycle: newLifecycle(),
	}
}

func (w *QueueWorker[I, O]) Name() string      { return w.name }
func (w *QueueWorker[I, O]) Input() *Queue[I]  { return w.input }
func (w *QueueWorker[I, O]) Output() *Queue[O] { return w.output }

// Send enqueues item without blocking the caller.
func (w *QueueWorker[I, O]) Send(item I) { w.input.Put(item) }

// Start begins the consumption loop. Only the first call has an effect.
func (w *QueueWorker[I, O]) Start(ctx context.Context) bool {
	return w.lifecycle.start(ctx, w.run)
}

// Terminate requests a cooperative stop and reports whether this call did
// it. A terminated worker cannot be started again.
func (w *QueueWorker[I, O]) Terminate() bool { return w.lifecycle.terminate() }

// Done is closed once the loop has exited, or on Terminate if it never ran.
func (w *QueueWorker[I, O]) Done() <-chan struct{} { return w.lifecycle.done }

func (w *QueueWorker[I, O]) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := w.input.Get(ctx)
		if err != nil {
			return
		}

		err = runSafely(ctx, w.name, func(ctx context.Context) error {
			return w.process(ctx, item, w.output)
		})
		if err != nil && !errs.IsCancellation(err) {
			w.logger.Error("failed to process item", "error", err)
		}
	}
}

// runSafely turns both returned errors and panics into a ProcessingError so
// one bad item never takes the loop down.
func runSafely(ctx context.Context, stage string, run func(context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &errs.ProcessingError{Stage: stage, Err: fmt.Errorf("panicked: %v", recovered)}
		}
	}()

	if err = run(ctx); err != nil {
		if errs.IsCancellation(err) {
			return err
		}
		return &errs.ProcessingError{Stage: stage, Err: err}
	}

	return nil
}

type lifecycle struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	started    bool
	terminated bool
	done       chan struct{}
}

func newLifecycle() lifecycle {
	return lifecycle{done: make(chan struct{})}
}

func (l *lifecycle) start(ctx context.Context, run func(context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.terminated {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true
	go func() {
		defer close(l.done)
		defer cancel()
		run(ctx)
	}()

	return true
}

func (l *lifecycle) terminate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminated {
		return false
	}

	l.terminated = true
	if l.cancel != nil {
		l.cancel()
	}
	if !l.started {
		close(l.done)
	}
	return true
}

package worker

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koscakluka/ema-calls/core/errs"
)

// Signal is a one way flag that can be awaited. Setting it more than once
// is a no-op.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *Signal) Done() <-chan struct{} { return s.ch }

// InterruptibleEvent carries a payload that may be cancelled by the human
// speaking over the bot. Events created from the same utterance can share a
// signal so a single interrupt reaches all of them.
type InterruptibleEvent[T any] struct {
	Payload T

	mu            sync.Mutex
	interruptible bool
	signal        *Signal
}

func NewInterruptibleEvent[T any](payload T, interruptible bool) *InterruptibleEvent[T] {
	return NewInterruptibleEventWithSignal(payload, interruptible, NewSignal())
}

func NewInterruptibleEventWithSignal[T any](payload T, interruptible bool, signal *Signal) *InterruptibleEvent[T] {
	if signal == nil {
		signal = NewSignal()
	}
	return &InterruptibleEvent[T]{Payload: payload, interruptible: interruptible, signal: signal}
}

// Interrupt sets the signal and reports true, unless the event is not
// interruptible, in which case nothing happens.
func (e *InterruptibleEvent[T]) Interrupt() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.interruptible {
		return false
	}
	e.signal.Set()
	return true
}

func (e *InterruptibleEvent[T]) IsInterrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interruptible && e.signal.IsSet()
}

func (e *InterruptibleEvent[T]) IsInterruptible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interruptible
}

func (e *InterruptibleEvent[T]) MarkNonInterruptible() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interruptible = false
}

func (e *InterruptibleEvent[T]) Signal() *Signal      { return e.signal }
func (e *InterruptibleEvent[T]) Done() <-chan struct{} { return e.signal.Done() }

// InterruptibleProcessFunc handles one event. It must honour ctx, which is
// cancelled when the event is interrupted.
type InterruptibleProcessFunc[T, O any] func(ctx context.Context, event *InterruptibleEvent[T], output *Queue[O]) error

// InterruptibleWorker consumes interruptible events one at a time. Events
// already interrupted when dequeued are dropped. Interrupting the event that
// is being processed cancels its task.
type InterruptibleWorker[T, O any] struct {
	name    string
	input   *Queue[*InterruptibleEvent[T]]
	output  *Queue[O]
	process InterruptibleProcessFunc[T, O]
	logger  *slog.Logger

	lifecycle lifecycle

	mu      sync.Mutex
	current *task[T]
}

type task[T any] struct {
	event  *InterruptibleEvent[T]
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task[T]) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func NewInterruptibleWorker[T, O any](name string, input *Queue[*InterruptibleEvent[T]], output *Queue[O], process InterruptibleProcessFunc[T, O], opts ...Option) *InterruptibleWorker[T, O] {
	if input == nil {
		input = NewQueue[*InterruptibleEvent[T]]()
	}
	if output == nil {
		output = NewQueue[O]()
	}

	o := newOptions(opts)
	w := &InterruptibleWorker[T, O]{
		name:      name,
		input:     input,
		output:    output,
		process:   process,
		logger:    o.logger.With("worker", name),
		lifecycle: newLifecycle(),
	}
	if o.maxConcurrency > 1 {
		w.logger.Warn("interruptible workers run one task at a time, ignoring concurrency limit", "max_concurrency", o.maxConcurrency)
	}
	return w
}

func (w *InterruptibleWorker[T, O]) Name() string                          { return w.name }
func (w *InterruptibleWorker[T, O]) Input() *Queue[*InterruptibleEvent[T]] { return w.input }
func (w *InterruptibleWorker[T, O]) Output() *Queue[O]                     { return w.output }
func (w *InterruptibleWorker[T, O]) Send(event *InterruptibleEvent[T])     { w.input.Put(event) }

func (w *InterruptibleWorker[T, O]) Start(ctx context.Context) bool {
	return w.lifecycle.start(ctx, w.run)
}

func (w *InterruptibleWorker[T, O]) Terminate() bool      { return w.lifecycle.terminate() }
func (w *InterruptibleWorker[T, O]) Done() <-chan struct{} { return w.lifecycle.done }

// CancelCurrentTask cancels the task in progress if it is still
// interruptible and reports whether anything was cancelled.
func (w *InterruptibleWorker[T, O]) CancelCurrentTask() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil || w.current.finished() || !w.current.event.IsInterruptible() {
		return false
	}
	w.current.cancel()
	return true
}

// IsBusy reports whether a task is currently being processed.
func (w *InterruptibleWorker[T, O]) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil && !w.current.finished()
}

func (w *InterruptibleWorker[T, O]) setCurrent(t *task[T]) {
	w.mu.Lock()
	w.current = t
	w.mu.Unlock()
}

func (w *InterruptibleWorker[T, O]) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		event, err := w.input.Get(ctx)
		if err != nil {
			return
		}
		if event == nil {
			continue
		}
		if event.IsInterrupted() {
			w.logger.Debug("dropping interrupted event")
			continue
		}

		w.runTask(ctx, event)
	}
}

func (w *InterruptibleWorker[T, O]) runTask(ctx context.Context, event *InterruptibleEvent[T]) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &task[T]{event: event, cancel: cancel, done: make(chan struct{})}
	w.setCurrent(t)

	go func() {
		defer close(t.done)

		taskCtx, span := tracer.Start(taskCtx, "process interruptible event",
			trace.WithAttributes(attribute.String("worker.name", w.name)))
		defer span.End()

		err := runSafely(taskCtx, w.name, func(ctx context.Context) error {
			return w.process(ctx, event, w.output)
		})
		switch {
		case err == nil:
		case errs.IsCancellation(err):
			span.SetAttributes(attribute.Bool("interrupted", true))
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "processing failed")
			w.logger.Error("failed to process event", "error", err)
		}
	}()

	interrupted := event.Done()
	stopped := ctx.Done()
	for waiting := true; waiting; {
		select {
		case <-t.done:
			waiting = false
		case <-interrupted:
			if event.IsInterruptible() {
				cancel()
			}
			interrupted = nil
		case <-stopped:
			cancel()
			stopped = nil
		}
	}

	event.MarkNonInterruptible()
	w.setCurrent(nil)
}

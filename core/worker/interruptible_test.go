package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestInterruptibleEventInterrupt(t *testing.T) {
	event := NewInterruptibleEvent("hello", true)
	if event.IsInterrupted() {
		t.Fatalf("expected fresh event to not be interrupted")
	}
	if !event.Interrupt() {
		t.Fatalf("expected interrupt to succeed")
	}
	if !event.IsInterrupted() {
		t.Fatalf("expected event to be interrupted")
	}

	select {
	case <-event.Done():
	default:
		t.Fatalf("expected signal to be set")
	}
}

func TestNonInterruptibleEventIgnoresInterrupt(t *testing.T) {
	event := NewInterruptibleEvent("hello", false)
	if event.Interrupt() {
		t.Fatalf("expected interrupt to be refused")
	}
	if event.IsInterrupted() || event.Signal().IsSet() {
		t.Fatalf("expected event to remain uninterrupted")
	}
}

func TestInterruptAfterMarkNonInterruptible(t *testing.T) {
	event := NewInterruptibleEvent(1, true)
	event.MarkNonInterruptible()
	if event.Interrupt() {
		t.Fatalf("expected interrupt after completion to return false")
	}
}

func TestSharedSignalReachesEveryEvent(t *testing.T) {
	signal := NewSignal()
	first := NewInterruptibleEventWithSignal("a", true, signal)
	second := NewInterruptibleEventWithSignal("b", true, signal)

	first.Interrupt()
	if !second.IsInterrupted() {
		t.Fatalf("expected shared signal to interrupt both events")
	}
}

func TestInterruptibleWorkerDropsStaleEvents(t *testing.T) {
	var processed atomic.Int32
	w := NewInterruptibleWorker("stale", nil, nil, func(_ context.Context, event *InterruptibleEvent[string], output *Queue[string]) error {
		processed.Add(1)
		output.Put(event.Payload)
		return nil
	})

	stale := NewInterruptibleEvent("stale", true)
	stale.Interrupt()
	w.Send(stale)
	w.Send(NewInterruptibleEvent("fresh", true))
	w.Start(context.Background())
	defer w.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := w.Output().Get(ctx)
	if err != nil {
		t.Fatalf("expected output, got %v", err)
	}
	if got != "fresh" {
		t.Fatalf("expected stale event to be skipped, got %q", got)
	}
	if n := processed.Load(); n != 1 {
		t.Fatalf("expected exactly one processed event, got %d", n)
	}
}

func TestInterruptibleWorkerInterruptCancelsTask(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	w := NewInterruptibleWorker("speak", nil, nil, func(ctx context.Context, event *InterruptibleEvent[string], output *Queue[string]) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	w.Start(context.Background())
	defer w.Terminate()

	event := NewInterruptibleEvent("long answer", true)
	w.Send(event)
	<-started

	if !event.Interrupt() {
		t.Fatalf("expected interrupt to succeed")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected interrupt to cancel the running task")
	}
}

func TestInterruptibleWorkerMarksEventNonInterruptibleWhenDone(t *testing.T) {
	w := NewInterruptibleWorker("quick", nil, nil, func(_ context.Context, event *InterruptibleEvent[int], output *Queue[int]) error {
		output.Put(event.Payload)
		return nil
	})
	w.Start(context.Background())
	defer w.Terminate()

	event := NewInterruptibleEvent(7, true)
	w.Send(event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w.Output().Get(ctx); err != nil {
		t.Fatalf("expected output, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for event.IsInterruptible() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if event.Interrupt() {
		t.Fatalf("expected interrupt after completion to return false")
	}
	if w.CancelCurrentTask() {
		t.Fatalf("expected nothing to cancel once the task finished")
	}
}

func TestInterruptibleWorkerCancelCurrentTask(t *testing.T) {
	if w := NewInterruptibleWorker[int, int]("idle", nil, nil, nil); w.CancelCurrentTask() {
		t.Fatalf("expected idle worker to have nothing to cancel")
	}

	started := make(chan struct{}, 2)
	w := NewInterruptibleWorker("busy", nil, nil, func(ctx context.Context, event *InterruptibleEvent[int], output *Queue[int]) error {
		started <- struct{}{}
		<-ctx.Done()
		output.Put(event.Payload)
		return nil
	})
	w.Start(context.Background())
	defer w.Terminate()

	w.Send(NewInterruptibleEvent(1, true))
	<-started
	if !w.IsBusy() {
		t.Fatalf("expected worker to report busy")
	}
	if !w.CancelCurrentTask() {
		t.Fatalf("expected running interruptible task to be cancelled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w.Output().Get(ctx); err != nil {
		t.Fatalf("expected cancelled task to finish, got %v", err)
	}
}

func TestInterruptibleWorkerWontCancelNonInterruptibleTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	w := NewInterruptibleWorker("greeting", nil, nil, func(ctx context.Context, event *InterruptibleEvent[int], output *Queue[int]) error {
		close(started)
		select {
		case <-release:
			output.Put(event.Payload)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	w.Start(context.Background())
	defer w.Terminate()

	w.Send(NewInterruptibleEvent(1, false))
	<-started
	if w.CancelCurrentTask() {
		t.Fatalf("expected non-interruptible task to keep running")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got, err := w.Output().Get(ctx); err != nil || got != 1 {
		t.Fatalf("expected task to complete with 1, got %d (%v)", got, err)
	}
}

func TestInterruptibleWorkerRunsOneTaskAtATime(t *testing.T) {
	var running, maxRunning atomic.Int32
	w := NewInterruptibleWorker("serial", nil, nil, func(_ context.Context, event *InterruptibleEvent[int], output *Queue[int]) error {
		n := running.Add(1)
		for {
			current := maxRunning.Load()
			if n <= current || maxRunning.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		output.Put(event.Payload)
		return nil
	}, WithMaxConcurrency(4))
	w.Start(context.Background())
	defer w.Terminate()

	for i := range 5 {
		w.Send(NewInterruptibleEvent(i, true))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := range 5 {
		got, err := w.Output().Get(ctx)
		if err != nil || got != i {
			t.Fatalf("expected %d, got %d (%v)", i, got, err)
		}
	}
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent task, got %d", got)
	}
}

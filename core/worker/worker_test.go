package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueWorkerProcessesItemsInOrderExactlyOnce(t *testing.T) {
	w := NewQueueWorker("double", nil, nil, func(_ context.Context, item int, output *Queue[int]) error {
		output.Put(item * 2)
		return nil
	})
	w.Start(context.Background())
	defer w.Terminate()

	for i := range 50 {
		w.Send(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := range 50 {
		got, err := w.Output().Get(ctx)
		if err != nil {
			t.Fatalf("expected output %d, got error %v", i, err)
		}
		if got != i*2 {
			t.Fatalf("expected %d at position %d, got %d", i*2, i, got)
		}
	}

	if extra, ok := w.Output().TryGet(); ok {
		t.Fatalf("expected no extra output, got %d", extra)
	}
}

func TestQueueWorkerContinuesAfterErrorAndPanic(t *testing.T) {
	w := NewQueueWorker("flaky", nil, nil, func(_ context.Context, item int, output *Queue[int]) error {
		switch item {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		output.Put(item)
		return nil
	})
	w.Start(context.Background())
	defer w.Terminate()

	for _, item := range []int{0, 1, 2, 3} {
		w.Send(item)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []int{0, 3} {
		got, err := w.Output().Get(ctx)
		if err != nil {
			t.Fatalf("expected output %d, got error %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestQueueWorkerTerminateIsIdempotent(t *testing.T) {
	w := NewQueueWorker("idle", nil, nil, func(context.Context, int, *Queue[int]) error { return nil })
	w.Start(context.Background())

	if !w.Terminate() {
		t.Fatalf("expected first terminate to report true")
	}
	if w.Terminate() {
		t.Fatalf("expected second terminate to report false")
	}

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected worker to stop after terminate")
	}

	if w.Start(context.Background()) {
		t.Fatalf("expected terminated worker to refuse restart")
	}
}

func TestQueueWorkerTerminateBeforeStartClosesDone(t *testing.T) {
	w := NewQueueWorker("never", nil, nil, func(context.Context, int, *Queue[int]) error { return nil })
	w.Terminate()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected done to be closed")
	}
}

func TestQueueWorkerStartsNoNewWorkAfterTerminate(t *testing.T) {
	var processed atomic.Int32
	release := make(chan struct{})
	w := NewQueueWorker("slow", nil, nil, func(context.Context, int, *Queue[int]) error {
		processed.Add(1)
		<-release
		return nil
	})
	w.Start(context.Background())

	w.Send(1)
	w.Send(2)
	deadline := time.Now().Add(time.Second)
	for processed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w.Terminate()
	close(release)
	<-w.Done()

	if got := processed.Load(); got != 1 {
		t.Fatalf("expected only the in-flight item to be processed, got %d", got)
	}
}

func TestChainedQueueWorkersShareMailboxes(t *testing.T) {
	first := NewQueueWorker("first", nil, nil, func(_ context.Context, item string, output *Queue[string]) error {
		output.Put(item + "a")
		return nil
	})
	second := NewQueueWorker("second", first.Output(), nil, func(_ context.Context, item string, output *Queue[string]) error {
		output.Put(item + "b")
		return nil
	})
	first.Start(context.Background())
	second.Start(context.Background())
	defer first.Terminate()
	defer second.Terminate()

	first.Send("x")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := second.Output().Get(ctx)
	if err != nil {
		t.Fatalf("expected chained output, got %v", err)
	}
	if got != "xab" {
		t.Fatalf("expected xab, got %q", got)
	}
}

func TestQueueOverflowPolicies(t *testing.T) {
	oldest := NewQueue[int](WithCapacity(2, DropOldest))
	for i := range 4 {
		oldest.Put(i)
	}
	if got := oldest.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped, got %d", got)
	}
	if head, _ := oldest.TryGet(); head != 2 {
		t.Fatalf("expected oldest items dropped, head is %d", head)
	}

	newest := NewQueue[int](WithCapacity(2, DropNewest))
	for i := range 4 {
		newest.Put(i)
	}
	if head, _ := newest.TryGet(); head != 0 {
		t.Fatalf("expected newest items dropped, head is %d", head)
	}
	if got := newest.Len(); got != 1 {
		t.Fatalf("expected 1 remaining item, got %d", got)
	}
}

func TestQueueGetWakesMultipleReaders(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var received atomic.Int32
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Get(ctx); err == nil {
				received.Add(1)
			}
		}()
	}

	q.Put(1)
	q.Put(2)
	q.Put(3)
	wg.Wait()

	if got := received.Load(); got != 3 {
		t.Fatalf("expected all readers to receive an item, got %d", got)
	}
}

func TestThreadWorkerRelaysThroughBlockingBody(t *testing.T) {
	w := NewThreadWorker("upper", nil, nil, func(ctx context.Context, input <-chan string, emit func(string) bool) {
		for item := range input {
			if !emit(item + "!") {
				return
			}
		}
	})
	w.Start(context.Background())

	w.Send("a")
	w.Send("b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"a!", "b!"} {
		got, err := w.Output().Get(ctx)
		if err != nil {
			t.Fatalf("expected %q, got error %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	w.Terminate()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected thread worker to shut down")
	}
}

func TestThreadWorkerStopsWhenBodyExits(t *testing.T) {
	w := NewThreadWorker("short", nil, nil, func(ctx context.Context, input <-chan int, emit func(int) bool) {
		<-input
	})
	w.Start(context.Background())
	w.Send(1)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected worker to stop once the body returned")
	}
}

func TestThreadWorkerTerminateWhileBodyBlocked(t *testing.T) {
	w := NewThreadWorker("blocked", nil, nil, func(ctx context.Context, input <-chan int, emit func(int) bool) {
		<-ctx.Done()
	})
	w.Start(context.Background())
	w.Terminate()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected terminate to unblock the body")
	}
}

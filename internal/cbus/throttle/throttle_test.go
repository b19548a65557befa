package throttle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestThrottlerSpacesDispatches(t *testing.T) {
	th := New(context.Background(), WithInterval(30*time.Millisecond))
	defer th.Shutdown()

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		th.Enqueue(func(ctx context.Context) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("got %d starts, want 3", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 25*time.Millisecond {
			t.Fatalf("gap between dispatch %d and %d was %v, want >= interval", i-1, i, gap)
		}
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	th := New(context.Background(), WithCapacity(1), WithInterval(time.Hour))
	defer func() {
		close(block)
		th.Shutdown()
	}()

	th.Enqueue(func(ctx context.Context) { <-block })
	time.Sleep(10 * time.Millisecond) // let the worker pick up the first task
	if !th.Enqueue(func(ctx context.Context) {}) {
		t.Fatal("expected the queue's one free slot to accept a second task")
	}
	if th.Enqueue(func(ctx context.Context) {}) {
		t.Fatal("expected Enqueue to drop a task once the queue is full")
	}
}

func TestShutdownRejectsFurtherEnqueue(t *testing.T) {
	th := New(context.Background(), WithInterval(time.Millisecond))
	th.Shutdown()
	if th.Enqueue(func(ctx context.Context) {}) {
		t.Fatal("expected Enqueue to report false after Shutdown")
	}
}

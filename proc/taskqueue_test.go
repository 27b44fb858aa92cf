package proc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskQueueWidthLimit(t *testing.T) {
	q := NewTaskQueue(2)

	var active, peak int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		q.Submit(func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
		})
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&active); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}

	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestTaskQueueFIFOOverflow(t *testing.T) {
	q := NewTaskQueue(1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		q.Submit(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		// Give the first submission time to occupy the only slot so the
		// rest overflow in a known order.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestTaskQueueCancelPending(t *testing.T) {
	q := NewTaskQueue(1)

	block := make(chan struct{})
	q.Submit(func(ctx context.Context) { <-block })
	time.Sleep(20 * time.Millisecond)

	var ran atomic.Bool
	q.Submit(func(ctx context.Context) { ran.Store(true) })

	if n := q.CancelPending(); n != 1 {
		t.Fatalf("CancelPending = %d, want 1", n)
	}

	close(block)
	if err := q.AwaitIdle(time.Second); err != nil {
		t.Fatalf("AwaitIdle: %v", err)
	}
	if ran.Load() {
		t.Error("cancelled pending task still ran")
	}
}

func TestTaskQueueInterruptAll(t *testing.T) {
	q := NewTaskQueue(2)

	var interrupted atomic.Int32
	for i := 0; i < 2; i++ {
		q.Submit(func(ctx context.Context) {
			<-ctx.Done()
			interrupted.Add(1)
		})
	}
	time.Sleep(20 * time.Millisecond)

	q.InterruptAll()
	if err := q.AwaitIdle(time.Second); err != nil {
		t.Fatalf("AwaitIdle: %v", err)
	}
	if got := interrupted.Load(); got != 2 {
		t.Errorf("interrupted = %d, want 2", got)
	}
}

func TestTaskQueueAwaitIdleTimeout(t *testing.T) {
	q := NewTaskQueue(1)

	block := make(chan struct{})
	defer close(block)
	q.Submit(func(ctx context.Context) { <-block })
	time.Sleep(20 * time.Millisecond)

	err := q.AwaitIdle(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("AwaitIdle = %v, want ErrTimeout", err)
	}
}

func TestTaskQueuePrivilegedBypassesWidth(t *testing.T) {
	q := NewTaskQueue(1)

	block := make(chan struct{})
	q.Submit(func(ctx context.Context) { <-block })
	time.Sleep(20 * time.Millisecond)

	ran := make(chan struct{})
	q.SubmitPrivileged(func(ctx context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("privileged task waited behind the width limit")
	}
	close(block)
}

func TestTaskQueuePanicIsolated(t *testing.T) {
	q := NewTaskQueue(1)

	q.Submit(func(ctx context.Context) { panic("boom") })

	ran := make(chan struct{})
	q.Submit(func(ctx context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queue stalled after task panic")
	}
}

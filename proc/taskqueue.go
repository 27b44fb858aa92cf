package proc

import (
	"context"
	"sync"
	"time"

	"github.com/leeineian/hibiki/sys"
)

// TaskQueue admits at most width tasks at a time; overflow waits in FIFO
// order. Tasks receive a context that is cancelled when the task is
// interrupted, so long-running work must watch it. Each session owns one
// queue, but all tasks run on shared process goroutines.
type TaskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	width      int
	running    map[*taskEntry]struct{}
	privileged map[*taskEntry]struct{}
	pending    []*taskEntry
}

type taskEntry struct {
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskQueue(width int) *TaskQueue {
	if width < 1 {
		width = 1
	}
	q := &TaskQueue{
		width:      width,
		running:    make(map[*taskEntry]struct{}),
		privileged: make(map[*taskEntry]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit schedules fn. It starts immediately if a slot is free, otherwise it
// waits behind earlier submissions. Submit never blocks the caller.
func (q *TaskQueue) Submit(fn func(ctx context.Context)) {
	entry := newTaskEntry(fn)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.running) < q.width {
		q.running[entry] = struct{}{}
		go q.run(entry, q.running)
		return
	}
	q.pending = append(q.pending, entry)
}

// SubmitPrivileged schedules fn outside the width limit. It always starts
// immediately and never displaces or delays queued tasks, but it still counts
// as activity for AwaitIdle and is interruptible like any other task.
func (q *TaskQueue) SubmitPrivileged(fn func(ctx context.Context)) {
	entry := newTaskEntry(fn)

	q.mu.Lock()
	q.privileged[entry] = struct{}{}
	q.mu.Unlock()

	go q.run(entry, q.privileged)
}

func newTaskEntry(fn func(ctx context.Context)) *taskEntry {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskEntry{fn: fn, ctx: ctx, cancel: cancel}
}

func (q *TaskQueue) run(entry *taskEntry, set map[*taskEntry]struct{}) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogError(sys.MsgTaskPanicRecovered, r)
		}
		entry.cancel()

		q.mu.Lock()
		delete(set, entry)
		q.startPendingLocked()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	entry.fn(entry.ctx)
}

// startPendingLocked promotes waiting tasks into free slots. Caller holds mu.
func (q *TaskQueue) startPendingLocked() {
	for len(q.pending) > 0 && len(q.running) < q.width {
		next := q.pending[0]
		q.pending = q.pending[1:]

		// A task cancelled while waiting is dropped without running.
		select {
		case <-next.ctx.Done():
			continue
		default:
		}

		q.running[next] = struct{}{}
		go q.run(next, q.running)
	}
}

// CancelPending drops every task that has not started yet. Running tasks are
// unaffected.
func (q *TaskQueue) CancelPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	for _, entry := range q.pending {
		entry.cancel()
	}
	q.pending = nil
	q.cond.Broadcast()
	if n > 0 {
		sys.LogTaskQueue(sys.MsgTaskCancelledQueued, n)
	}
	return n
}

// InterruptAll cancels the context of every running task. Interruption is
// cooperative: tasks finish on their own schedule after observing it. Pending
// tasks are untouched; pair with CancelPending for a full flush.
func (q *TaskQueue) InterruptAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for entry := range q.running {
		entry.cancel()
	}
	for entry := range q.privileged {
		entry.cancel()
	}
	if n := len(q.running) + len(q.privileged); n > 0 {
		sys.LogTaskQueue(sys.MsgTaskInterrupted, n)
	}
}

// AwaitIdle blocks until no task is running or waiting, or the timeout
// elapses, in which case it returns ErrTimeout.
func (q *TaskQueue) AwaitIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	waker := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer waker.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.idleLocked() {
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		q.cond.Wait()
	}
	return nil
}

func (q *TaskQueue) idleLocked() bool {
	return len(q.running) == 0 && len(q.privileged) == 0 && len(q.pending) == 0
}

// Stats reports current occupancy for the debug surface.
func (q *TaskQueue) Stats() (running, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running) + len(q.privileged), len(q.pending)
}

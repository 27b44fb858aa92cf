package proc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leeineian/hibiki/sys"
)

// maxConsecutiveFailures stops the iterator once this many tracks in a row
// refuse to play.
const maxConsecutiveFailures = 10

type IteratorState int32

const (
	IterIdle IteratorState = iota
	IterStarting
	IterPlaying
	IterEnded
	IterReplaced
)

func (s IteratorState) String() string {
	switch s {
	case IterIdle:
		return "idle"
	case IterStarting:
		return "starting"
	case IterPlaying:
		return "playing"
	case IterEnded:
		return "ended"
	case IterReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// IteratorHooks are the iterator's side effects. Nil hooks are skipped.
type IteratorHooks struct {
	// NowPlaying fires when a track starts streaming.
	NowPlaying func(title string)

	// TrackFailed fires once per failure streak, on its first failure.
	TrackFailed func(title string)

	// TooManyFailures fires when the failure ceiling stops playback.
	TooManyFailures func()

	// Record persists a successfully started track.
	Record func(ref TrackRef, title string)

	// Release returns the audio connection once the iterator ends. It is
	// not called when the iterator was replaced: the replacement owns the
	// connection now.
	Release func()
}

// QueueIterator walks an AudioQueue and plays each track. One iterator runs
// per session at a time; starting playback again replaces the running one.
type QueueIterator struct {
	queue   *AudioQueue
	engine  AudioEngine
	hooks   IteratorHooks
	timeout time.Duration
	guildID string

	state atomic.Int32

	mu      sync.Mutex
	current Playable
}

func NewQueueIterator(queue *AudioQueue, engine AudioEngine, hooks IteratorHooks, resolveTimeout time.Duration, guildID string) *QueueIterator {
	return &QueueIterator{
		queue:   queue,
		engine:  engine,
		hooks:   hooks,
		timeout: resolveTimeout,
		guildID: guildID,
	}
}

func (it *QueueIterator) State() IteratorState {
	return IteratorState(it.state.Load())
}

// transition moves to the given state unless the iterator has been replaced.
// Replaced is terminal: nothing overwrites it.
func (it *QueueIterator) transition(to IteratorState) bool {
	for {
		s := it.state.Load()
		if IteratorState(s) == IterReplaced {
			return false
		}
		if it.state.CompareAndSwap(s, int32(to)) {
			return true
		}
	}
}

// Replace marks the iterator as superseded and cancels whatever playable it
// is waiting on. The run loop notices and exits without releasing the
// connection.
func (it *QueueIterator) Replace() {
	for {
		s := it.state.Load()
		if IteratorState(s) == IterReplaced || IteratorState(s) == IterEnded {
			return
		}
		if it.state.CompareAndSwap(s, int32(IterReplaced)) {
			break
		}
	}

	sys.LogPlayer(sys.MsgPlayerIteratorReplaced, it.guildID)

	it.mu.Lock()
	current := it.current
	it.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}

func (it *QueueIterator) setCurrent(p Playable) {
	it.mu.Lock()
	it.current = p
	it.mu.Unlock()
}

// Run plays the queue from the cursor until it runs out, fails too often, or
// the iterator is replaced. It blocks; callers run it on a task.
func (it *QueueIterator) Run(ctx context.Context) {
	if !it.transition(IterStarting) {
		return
	}

	failures := 0
	skipRepeatOne := false

	track, err := it.queue.Current()
	if err != nil {
		it.end(false)
		return
	}

	for {
		if it.State() == IterReplaced || ctx.Err() != nil {
			return
		}

		it.setCurrent(track)
		if !it.transition(IterPlaying) {
			return
		}

		title := track.TitleNow(track.Ref().Title)
		played, stop := it.playOne(ctx, track, title, &failures)
		if stop {
			return
		}

		// A failing track must not repeat itself; advance past it even
		// under repeat-one.
		skipRepeatOne = !played

		it.setCurrent(nil)
		track, err = it.queue.Next(skipRepeatOne)
		if err != nil {
			track, err = it.wrapAround()
			if err != nil {
				it.end(true)
				return
			}
		}
	}
}

// wrapAround restarts the queue from the top when repeat-all is on. The wrap
// reshuffles the upcoming tracks when shuffle is also on.
func (it *QueueIterator) wrapAround() (Playable, error) {
	if !it.queue.RepeatAll() || it.queue.Len() == 0 {
		return nil, ErrEmptyQueue
	}
	it.queue.Reset()
	if it.queue.Shuffle() {
		it.queue.Randomize()
	}
	return it.queue.Current()
}

// playOne resolves and streams a single track. It reports whether the track
// played and whether the whole iterator must stop.
func (it *QueueIterator) playOne(ctx context.Context, track Playable, title string, failures *int) (played, stop bool) {
	sys.LogPlayer(sys.MsgPlayerTrackStarting, title)

	streamURL, err := track.StreamURL(it.timeout)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			// Cancellation is deliberate: stop without any announcement.
			if it.State() == IterReplaced {
				return false, true
			}
			it.end(false)
			return false, true
		}
		return false, it.recordFailure(track, title, err, failures)
	}

	title = track.TitleNow(title)
	if it.hooks.NowPlaying != nil {
		it.hooks.NowPlaying(title)
	}
	if it.hooks.Record != nil {
		it.hooks.Record(track.Ref(), title)
	}

	if err := it.engine.LoadAndPlay(ctx, streamURL); err != nil {
		if ctx.Err() != nil || it.State() == IterReplaced {
			return false, true
		}
		return false, it.recordFailure(track, title, err, failures)
	}

	// The streak only ends on a track that actually played; resolving fine
	// but failing to stream still counts toward the ceiling.
	*failures = 0
	sys.LogPlayer(sys.MsgPlayerTrackFinished, title)
	return true, false
}

func (it *QueueIterator) recordFailure(track Playable, title string, err error, failures *int) (stop bool) {
	*failures++
	sys.LogPlayer(sys.MsgPlayerTrackFailed, *failures, maxConsecutiveFailures, title, err)

	// One notification per streak, however long it gets.
	if *failures == 1 && it.hooks.TrackFailed != nil {
		it.hooks.TrackFailed(title)
	}

	if *failures >= maxConsecutiveFailures {
		if it.hooks.TooManyFailures != nil {
			it.hooks.TooManyFailures()
		}
		it.end(false)
		return true
	}
	return false
}

// end finishes the iterator and hands the connection back. A replaced
// iterator never ends: its replacement owns the teardown.
func (it *QueueIterator) end(logIt bool) {
	if !it.transition(IterEnded) {
		return
	}
	if logIt {
		sys.LogPlayer(sys.MsgPlayerQueueEnded, it.guildID)
	}
	it.setCurrent(nil)
	if it.hooks.Release != nil {
		it.hooks.Release()
	}
}

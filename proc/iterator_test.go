package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu     sync.Mutex
	played []string
	failOn map[string]bool
	err    error
}

func (e *fakeEngine) LoadAndPlay(ctx context.Context, streamURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.played = append(e.played, streamURL)
	if e.failOn[streamURL] {
		return errors.New("stream rejected")
	}
	return e.err
}

func (e *fakeEngine) playedURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.played...)
}

type hookRecorder struct {
	mu         sync.Mutex
	nowPlaying []string
	failed     []string
	tooMany    int
	released   int
	recorded   []string
}

func (h *hookRecorder) hooks() IteratorHooks {
	return IteratorHooks{
		NowPlaying: func(title string) {
			h.mu.Lock()
			h.nowPlaying = append(h.nowPlaying, title)
			h.mu.Unlock()
		},
		TrackFailed: func(title string) {
			h.mu.Lock()
			h.failed = append(h.failed, title)
			h.mu.Unlock()
		},
		TooManyFailures: func() {
			h.mu.Lock()
			h.tooMany++
			h.mu.Unlock()
		},
		Record: func(ref TrackRef, title string) {
			h.mu.Lock()
			h.recorded = append(h.recorded, title)
			h.mu.Unlock()
		},
		Release: func() {
			h.mu.Lock()
			h.released++
			h.mu.Unlock()
		},
	}
}

func failingTrack(title string) Playable {
	return NewLazySource(TrackRef{Title: title}, func(ls *LazySource) {
		ls.Complete(nil, ErrLoadFailed)
	})
}

func TestIteratorPlaysInOrder(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b", "c")...)
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	want := []string{"http://a", "http://b", "http://c"}
	got := engine.playedURLs()
	if len(got) != len(want) {
		t.Fatalf("played %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("played %v, want %v", got, want)
		}
	}
	if it.State() != IterEnded {
		t.Errorf("state = %v, want ended", it.State())
	}
	if rec.released != 1 {
		t.Errorf("released = %d, want 1", rec.released)
	}
	if len(rec.recorded) != 3 {
		t.Errorf("recorded = %v, want 3 tracks", rec.recorded)
	}
}

func TestIteratorSkipsFailedTrack(t *testing.T) {
	q := NewAudioQueue()
	q.Add(failingTrack("broken"))
	q.Add(makeTracks("good")...)
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	if got := engine.playedURLs(); len(got) != 1 || got[0] != "http://good" {
		t.Fatalf("played %v, want just the good track", got)
	}
	if len(rec.failed) != 1 || rec.failed[0] != "broken" {
		t.Fatalf("failure notifications = %v, want one for broken", rec.failed)
	}
	if len(rec.nowPlaying) != 1 || rec.nowPlaying[0] != "good" {
		t.Fatalf("now-playing = %v, want just good", rec.nowPlaying)
	}
}

func TestIteratorFailureCeiling(t *testing.T) {
	q := NewAudioQueue()
	for i := 0; i < maxConsecutiveFailures+5; i++ {
		q.Add(failingTrack("broken"))
	}
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	if rec.tooMany != 1 {
		t.Fatalf("too-many-failures fired %d times, want 1", rec.tooMany)
	}
	// The streak announces itself once, not per track.
	if len(rec.failed) != 1 {
		t.Errorf("failure notifications = %d, want 1", len(rec.failed))
	}
	if rec.released != 1 {
		t.Errorf("released = %d, want 1", rec.released)
	}
	if it.State() != IterEnded {
		t.Errorf("state = %v, want ended", it.State())
	}
}

func TestIteratorEngineFailureCeiling(t *testing.T) {
	q := NewAudioQueue()
	for i := 0; i < maxConsecutiveFailures+5; i++ {
		q.Add(makeTracks(fmt.Sprintf("t%d", i))...)
	}
	engine := &fakeEngine{err: errors.New("stream rejected")}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	// Tracks that resolve but refuse to stream count toward the ceiling too.
	if got := len(engine.playedURLs()); got != maxConsecutiveFailures {
		t.Fatalf("attempted %d tracks, want %d", got, maxConsecutiveFailures)
	}
	if rec.tooMany != 1 {
		t.Fatalf("too-many-failures fired %d times, want 1", rec.tooMany)
	}
	if len(rec.failed) != 1 {
		t.Errorf("failure notifications = %d, want 1", len(rec.failed))
	}
	if it.State() != IterEnded {
		t.Errorf("state = %v, want ended", it.State())
	}
	if rec.released != 1 {
		t.Errorf("released = %d, want 1", rec.released)
	}
}

func TestIteratorFailureStreakResetsOnSuccess(t *testing.T) {
	q := NewAudioQueue()
	engine := &fakeEngine{failOn: make(map[string]bool)}
	for i := 0; i < 5; i++ {
		title := fmt.Sprintf("early%d", i)
		q.Add(makeTracks(title)...)
		engine.failOn["http://"+title] = true
	}
	q.Add(makeTracks("good")...)
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		title := fmt.Sprintf("late%d", i)
		q.Add(makeTracks(title)...)
		engine.failOn["http://"+title] = true
	}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	// The good track ends the first streak, so neither streak alone reaches
	// the ceiling even though the total failure count exceeds it.
	if rec.tooMany != 0 {
		t.Fatalf("too-many-failures fired %d times, want 0", rec.tooMany)
	}
	if len(rec.failed) != 2 {
		t.Errorf("failure notifications = %d, want one per streak", len(rec.failed))
	}
	if it.State() != IterEnded {
		t.Errorf("state = %v, want ended", it.State())
	}
	if rec.released != 1 {
		t.Errorf("released = %d, want 1", rec.released)
	}
}

func TestIteratorRepeatOneSkippedForFailingTrack(t *testing.T) {
	q := NewAudioQueue()
	q.Add(failingTrack("broken"))
	q.Add(makeTracks("good")...)
	q.SetRepeatOne(true)
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")

	done := make(chan struct{})
	go func() {
		it.Run(context.Background())
		close(done)
	}()

	// The failing track must advance despite repeat-one; the good track then
	// repeats forever, so stop the iterator once it is playing.
	deadline := time.After(2 * time.Second)
	for {
		if urls := engine.playedURLs(); len(urls) > 0 {
			if urls[0] != "http://good" {
				t.Fatalf("played %v, want good first", urls)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("iterator never advanced past the failing track")
		case <-time.After(5 * time.Millisecond):
		}
	}

	it.Replace()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iterator did not exit after Replace")
	}
}

func TestIteratorRepeatAllWraps(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b")...)
	q.SetRepeatAll(true)
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")

	done := make(chan struct{})
	go func() {
		it.Run(context.Background())
		close(done)
	}()

	// Wait for one full wrap, then stop the endless loop.
	deadline := time.After(2 * time.Second)
	for len(engine.playedURLs()) < 4 {
		select {
		case <-deadline:
			t.Fatalf("iterator never wrapped, played %v", engine.playedURLs())
		case <-time.After(5 * time.Millisecond):
		}
	}

	it.Replace()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iterator did not exit after Replace")
	}

	got := engine.playedURLs()[:4]
	want := []string{"http://a", "http://b", "http://a", "http://b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("played %v, want prefix %v", got, want)
		}
	}
}

func TestIteratorCancelledTrackStopsQuietly(t *testing.T) {
	q := NewAudioQueue()
	cancelled := NewLazySource(TrackRef{Title: "cancelled"}, func(ls *LazySource) {})
	cancelled.Cancel()
	q.Add(cancelled)
	q.Add(makeTracks("after")...)
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	if got := engine.playedURLs(); len(got) != 0 {
		t.Fatalf("played %v, want nothing after cancellation", got)
	}
	if len(rec.failed) != 0 || rec.tooMany != 0 {
		t.Error("cancellation produced failure notifications")
	}
	if rec.released != 1 {
		t.Errorf("released = %d, want 1", rec.released)
	}
}

func TestIteratorReplaceSkipsRelease(t *testing.T) {
	q := NewAudioQueue()
	blocked := NewLazySource(TrackRef{Title: "pending"}, func(ls *LazySource) {})
	q.Add(blocked)
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), 5*time.Second, "g1")

	done := make(chan struct{})
	go func() {
		it.Run(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	it.Replace()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iterator did not exit after Replace")
	}

	if it.State() != IterReplaced {
		t.Errorf("state = %v, want replaced", it.State())
	}
	if rec.released != 0 {
		t.Errorf("released = %d, want 0: the replacement owns the connection", rec.released)
	}
}

func TestIteratorEmptyQueueEndsImmediately(t *testing.T) {
	q := NewAudioQueue()
	engine := &fakeEngine{}
	rec := &hookRecorder{}

	it := NewQueueIterator(q, engine, rec.hooks(), time.Second, "g1")
	it.Run(context.Background())

	if it.State() != IterEnded {
		t.Errorf("state = %v, want ended", it.State())
	}
	if rec.released != 1 {
		t.Errorf("released = %d, want 1", rec.released)
	}
}

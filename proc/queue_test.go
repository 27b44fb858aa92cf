package proc

import (
	"errors"
	"testing"
)

func makeTracks(titles ...string) []Playable {
	out := make([]Playable, 0, len(titles))
	for _, title := range titles {
		out = append(out, NewImmediateSource(
			TrackRef{Title: title},
			ResolvedBackend{Title: title, StreamURL: "http://" + title},
		))
	}
	return out
}

func currentTitle(t *testing.T, q *AudioQueue) string {
	t.Helper()
	p, err := q.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	return p.TitleNow("")
}

func nextTitle(t *testing.T, q *AudioQueue, ignoreRepeatOne bool) string {
	t.Helper()
	p, err := q.Next(ignoreRepeatOne)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return p.TitleNow("")
}

func previousTitle(t *testing.T, q *AudioQueue) string {
	t.Helper()
	p, err := q.Previous()
	if err != nil {
		t.Fatalf("Previous: %v", err)
	}
	return p.TitleNow("")
}

func TestAudioQueueCursor(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b", "c")...)

	if got := currentTitle(t, q); got != "a" {
		t.Fatalf("Current = %q, want a", got)
	}
	if got := nextTitle(t, q, false); got != "b" {
		t.Fatalf("Next = %q, want b", got)
	}
	if got := previousTitle(t, q); got != "a" {
		t.Fatalf("Previous = %q, want a", got)
	}
	if q.HasPrevious() {
		t.Error("HasPrevious at the first track")
	}
}

func TestAudioQueueEmpty(t *testing.T) {
	q := NewAudioQueue()
	if _, err := q.Current(); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("Current = %v, want ErrEmptyQueue", err)
	}
	if _, err := q.Next(false); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("Next = %v, want ErrEmptyQueue", err)
	}
	if q.HasNext(false) {
		t.Error("HasNext on empty queue")
	}
}

func TestAudioQueueRepeatOne(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b")...)
	q.SetRepeatOne(true)

	for i := 0; i < 3; i++ {
		if got := nextTitle(t, q, false); got != "a" {
			t.Fatalf("Next with repeat-one = %q, want a", got)
		}
	}
	if !q.HasNext(false) {
		t.Error("HasNext with repeat-one should always be true")
	}

	// Ignoring repeat-one advances normally.
	if got := nextTitle(t, q, true); got != "b" {
		t.Fatalf("Next(ignore) = %q, want b", got)
	}
}

func TestAudioQueueNeverWraps(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b")...)
	q.SetRepeatAll(true)

	_, _ = q.Next(false)

	// Wrapping is the iterator's decision, not the queue's: repeat-all must
	// not change how the cursor behaves at the end.
	if q.HasNext(false) {
		t.Error("HasNext at the last track should ignore repeat-all")
	}
	if _, err := q.Next(false); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("Next past the end = %v, want ErrEmptyQueue", err)
	}

	q.Reset()
	if got := currentTitle(t, q); got != "a" {
		t.Fatalf("Current after Reset = %q, want a", got)
	}
}

func TestAudioQueueEndsWithoutRepeat(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b")...)

	_, _ = q.Next(false)
	if q.HasNext(false) {
		t.Error("HasNext at the last track without repeat-all")
	}
	if _, err := q.Next(false); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("Next past the end = %v, want ErrEmptyQueue", err)
	}
}

func TestAudioQueueRandomizeKeepsPlayedOrder(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b", "c", "d", "e", "f")...)

	_, _ = q.Next(false) // cursor on b

	q.Randomize()

	items, cursor := q.Snapshot()
	if cursor != 1 {
		t.Fatalf("cursor = %d, want 1", cursor)
	}
	if items[0].TitleNow("") != "a" || items[1].TitleNow("") != "b" {
		t.Error("Randomize touched tracks at or before the cursor")
	}

	// The tail is a permutation of the original tail.
	rest := map[string]bool{}
	for _, p := range items[2:] {
		rest[p.TitleNow("")] = true
	}
	for _, want := range []string{"c", "d", "e", "f"} {
		if !rest[want] {
			t.Fatalf("track %q missing after Randomize", want)
		}
	}
}

func TestAudioQueueJump(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b", "c")...)

	if err := q.Jump(2); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	if got := currentTitle(t, q); got != "c" {
		t.Fatalf("Current after Jump = %q, want c", got)
	}
	if err := q.Jump(5); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("Jump out of range = %v, want ErrEmptyQueue", err)
	}
}

func TestAudioQueueSetResetsCursor(t *testing.T) {
	q := NewAudioQueue()
	q.Add(makeTracks("a", "b")...)
	_, _ = q.Next(false)

	q.Set(makeTracks("x", "y"))
	if got := currentTitle(t, q); got != "x" {
		t.Fatalf("Current after Set = %q, want x", got)
	}
}

package proc

import (
	"math/rand"
	"sync"
	"time"
)

// AudioQueue is the ordered playlist of a session with a cursor into it.
// Repeat and shuffle flags change how the cursor advances; they never mutate
// the stored order except for Randomize, which reorders only the part of the
// queue that has not played yet.
type AudioQueue struct {
	mu     sync.Mutex
	items  []Playable
	cursor int

	repeatOne bool
	repeatAll bool
	shuffle   bool

	rng *rand.Rand
}

func NewAudioQueue() *AudioQueue {
	return &AudioQueue{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add appends tracks to the end of the queue.
func (q *AudioQueue) Add(tracks ...Playable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, tracks...)
}

// Set replaces the whole queue and resets the cursor.
func (q *AudioQueue) Set(tracks []Playable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Playable(nil), tracks...)
	q.cursor = 0
}

// Clear drops all tracks and resets the cursor. Flags are kept.
func (q *AudioQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.cursor = 0
}

// Current returns the track under the cursor.
func (q *AudioQueue) Current() (Playable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor < 0 || q.cursor >= len(q.items) {
		return nil, ErrEmptyQueue
	}
	return q.items[q.cursor], nil
}

// Next advances the cursor and returns the new current track. With repeat-one
// set the cursor stays put unless ignoreRepeatOne is true. Next never wraps:
// past the last track it fails regardless of the repeat-all flag; wrapping is
// the caller's decision, via Reset.
func (q *AudioQueue) Next(ignoreRepeatOne bool) (Playable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, ErrEmptyQueue
	}

	if q.repeatOne && !ignoreRepeatOne {
		return q.items[q.cursor], nil
	}

	if q.cursor+1 < len(q.items) {
		q.cursor++
		return q.items[q.cursor], nil
	}

	return nil, ErrEmptyQueue
}

// Previous moves the cursor back one track.
func (q *AudioQueue) Previous() (Playable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor <= 0 || len(q.items) == 0 {
		return nil, ErrEmptyQueue
	}
	q.cursor--
	return q.items[q.cursor], nil
}

// HasNext reports whether the cursor can advance without wrapping. The
// repeat-all flag does not enter into it.
func (q *AudioQueue) HasNext(ignoreRepeatOne bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return false
	}
	if q.repeatOne && !ignoreRepeatOne {
		return true
	}
	return q.cursor+1 < len(q.items)
}

func (q *AudioQueue) HasPrevious() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor > 0 && len(q.items) > 0
}

// Randomize shuffles the tracks after the cursor. Played tracks and the
// current one keep their positions.
func (q *AudioQueue) Randomize() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.randomizeLocked()
}

func (q *AudioQueue) randomizeLocked() {
	rest := q.items[min(q.cursor+1, len(q.items)):]
	q.rng.Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
}

// Jump moves the cursor to an absolute position.
func (q *AudioQueue) Jump(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return ErrEmptyQueue
	}
	q.cursor = index
	return nil
}

// Reset moves the cursor back to the first track.
func (q *AudioQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursor = 0
}

// Snapshot returns a copy of the queue contents and the cursor position.
func (q *AudioQueue) Snapshot() ([]Playable, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Playable(nil), q.items...), q.cursor
}

func (q *AudioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *AudioQueue) Position() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

func (q *AudioQueue) SetRepeatOne(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeatOne = on
}

func (q *AudioQueue) SetRepeatAll(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeatAll = on
}

func (q *AudioQueue) SetShuffle(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuffle = on
}

func (q *AudioQueue) RepeatOne() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repeatOne
}

func (q *AudioQueue) RepeatAll() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repeatAll
}

func (q *AudioQueue) Shuffle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuffle
}

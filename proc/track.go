package proc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when a blocking read outlives its deadline.
	// The underlying work keeps going; other waiters are unaffected.
	ErrTimeout = errors.New("timed out")

	// ErrCancelled is returned to every waiter once a playable is cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrResourceGone marks a backend id whose resource no longer exists.
	ErrResourceGone = errors.New("backend resource gone")

	// ErrEmptyQueue is returned by cursor reads on an empty queue.
	ErrEmptyQueue = errors.New("queue is empty")

	// ErrNoMatches means resolution finished and found nothing playable.
	ErrNoMatches = errors.New("no matching track found")

	// ErrLoadFailed wraps engine-side failures to start a stream.
	ErrLoadFailed = errors.New("failed to load track")
)

// DefaultResolveTimeout bounds blocking reads on a lazy playable.
const DefaultResolveTimeout = 3 * time.Minute

// TrackKind tells the resolver which catalog a track id belongs to.
type TrackKind string

const (
	TrackKindSpotify TrackKind = "spotify"
	TrackKindHosted  TrackKind = "hosted"
	TrackKindQuery   TrackKind = "query"
	TrackKindBackend TrackKind = "backend"
)

// TrackRef is the immutable description of a requested track: where it came
// from and whatever metadata the source gave us. It never changes after
// construction; resolution results live on the playable, not here.
type TrackRef struct {
	ID           string
	Title        string
	Artists      []string
	Collection   string
	Kind         TrackKind
	DurationHint time.Duration
}

// ResolvedBackend is the playable outcome of resolution.
type ResolvedBackend struct {
	ID        string
	Title     string
	StreamURL string
	Duration  time.Duration
}

// Playable is a track the queue can hold. Blocking reads trigger resolution
// on first use and wait for it; Now reads return the given fallback without
// ever triggering or waiting. The interface is sealed: the three
// implementations below are the only ones.
type Playable interface {
	Ref() TrackRef

	// StreamURL blocks until the track is resolved, triggering resolution
	// if nobody has yet. A non-positive timeout means DefaultResolveTimeout.
	StreamURL(timeout time.Duration) (string, error)

	TitleNow(fallback string) string
	DurationNow(fallback time.Duration) time.Duration
	StreamURLNow(fallback string) string

	// Cancel aborts in-flight resolution and fails all waiters with
	// ErrCancelled. Idempotent.
	Cancel()

	sealedPlayable()
}

// --- Immediate ---

// ImmediateSource is a playable whose backend is already known.
type ImmediateSource struct {
	ref     TrackRef
	backend ResolvedBackend
}

func NewImmediateSource(ref TrackRef, backend ResolvedBackend) *ImmediateSource {
	return &ImmediateSource{ref: ref, backend: backend}
}

func (s *ImmediateSource) Ref() TrackRef { return s.ref }

func (s *ImmediateSource) StreamURL(timeout time.Duration) (string, error) {
	return s.backend.StreamURL, nil
}

func (s *ImmediateSource) TitleNow(fallback string) string {
	if s.backend.Title != "" {
		return s.backend.Title
	}
	return fallback
}

func (s *ImmediateSource) DurationNow(fallback time.Duration) time.Duration {
	if s.backend.Duration > 0 {
		return s.backend.Duration
	}
	return fallback
}

func (s *ImmediateSource) StreamURLNow(fallback string) string {
	return s.backend.StreamURL
}

func (s *ImmediateSource) Cancel()         {}
func (s *ImmediateSource) sealedPlayable() {}

// --- Lazy ---

// LazySource resolves its backend on first blocking read. The start callback
// is invoked at most once, even under concurrent first reads; it must arrange
// for Complete to be called eventually and must watch Context for
// cancellation.
type LazySource struct {
	ref   TrackRef
	start func(*LazySource)

	inflight atomic.Bool
	done     chan struct{}

	mu      sync.Mutex
	backend *ResolvedBackend
	err     error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewLazySource(ref TrackRef, start func(*LazySource)) *LazySource {
	ctx, cancel := context.WithCancel(context.Background())
	return &LazySource{
		ref:    ref,
		start:  start,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *LazySource) Ref() TrackRef { return s.ref }

// Context is cancelled when the playable is cancelled. Resolution work for
// this playable should be derived from it.
func (s *LazySource) Context() context.Context { return s.ctx }

// Complete publishes the resolution outcome. The first call wins; later
// calls are no-ops. A nil backend with a nil error is recorded as
// ErrNoMatches.
func (s *LazySource) Complete(backend *ResolvedBackend, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	if backend == nil && err == nil {
		err = ErrNoMatches
	}
	s.backend = backend
	s.err = err
	close(s.done)
}

func (s *LazySource) Cancel() {
	s.cancel()
	s.Complete(nil, ErrCancelled)
}

// Await blocks until resolution finishes, triggering it if needed.
func (s *LazySource) Await(timeout time.Duration) (*ResolvedBackend, error) {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}

	if s.inflight.CompareAndSwap(false, true) {
		s.start(s)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		return nil, ErrTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.backend, nil
}

func (s *LazySource) StreamURL(timeout time.Duration) (string, error) {
	backend, err := s.Await(timeout)
	if err != nil {
		return "", err
	}
	return backend.StreamURL, nil
}

// peek returns the resolved backend if it is already available. It never
// triggers resolution and never blocks.
func (s *LazySource) peek() *ResolvedBackend {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil
	}
	return s.backend
}

func (s *LazySource) TitleNow(fallback string) string {
	if b := s.peek(); b != nil && b.Title != "" {
		return b.Title
	}
	if s.ref.Title != "" {
		return s.ref.Title
	}
	return fallback
}

func (s *LazySource) DurationNow(fallback time.Duration) time.Duration {
	if b := s.peek(); b != nil && b.Duration > 0 {
		return b.Duration
	}
	if s.ref.DurationHint > 0 {
		return s.ref.DurationHint
	}
	return fallback
}

func (s *LazySource) StreamURLNow(fallback string) string {
	if b := s.peek(); b != nil {
		return b.StreamURL
	}
	return fallback
}

func (s *LazySource) sealedPlayable() {}

// --- Redirected ---

// RedirectedSource covers links whose nature is unknown until fetched: the
// load callback inspects the target and hands back either an immediate
// playable (a directly streamable file) or a lazy one (a page that needs a
// catalog search). Loading happens at most once.
type RedirectedSource struct {
	ref  TrackRef
	load func(*RedirectedSource) (Playable, error)

	inflight atomic.Bool
	done     chan struct{}

	mu    sync.Mutex
	inner Playable
	err   error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedirectedSource(ref TrackRef, load func(*RedirectedSource) (Playable, error)) *RedirectedSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedirectedSource{
		ref:    ref,
		load:   load,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *RedirectedSource) Ref() TrackRef            { return s.ref }
func (s *RedirectedSource) Context() context.Context { return s.ctx }

func (s *RedirectedSource) resolveInner(timeout time.Duration) (Playable, error) {
	if s.inflight.CompareAndSwap(false, true) {
		go func() {
			inner, err := s.load(s)
			s.mu.Lock()
			defer s.mu.Unlock()
			select {
			case <-s.done:
				if inner != nil {
					inner.Cancel()
				}
				return
			default:
			}
			if inner == nil && err == nil {
				err = ErrNoMatches
			}
			s.inner = inner
			s.err = err
			close(s.done)
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		return nil, ErrTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.inner, nil
}

func (s *RedirectedSource) StreamURL(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	start := time.Now()

	inner, err := s.resolveInner(timeout)
	if err != nil {
		return "", err
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return "", ErrTimeout
	}
	return inner.StreamURL(remaining)
}

// innerNow returns the loaded inner playable without triggering the load.
func (s *RedirectedSource) innerNow() Playable {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil
	}
	return s.inner
}

func (s *RedirectedSource) TitleNow(fallback string) string {
	if inner := s.innerNow(); inner != nil {
		return inner.TitleNow(fallback)
	}
	if s.ref.Title != "" {
		return s.ref.Title
	}
	return fallback
}

func (s *RedirectedSource) DurationNow(fallback time.Duration) time.Duration {
	if inner := s.innerNow(); inner != nil {
		return inner.DurationNow(fallback)
	}
	if s.ref.DurationHint > 0 {
		return s.ref.DurationHint
	}
	return fallback
}

func (s *RedirectedSource) StreamURLNow(fallback string) string {
	if inner := s.innerNow(); inner != nil {
		return inner.StreamURLNow(fallback)
	}
	return fallback
}

func (s *RedirectedSource) Cancel() {
	s.cancel()

	s.mu.Lock()
	select {
	case <-s.done:
		inner := s.inner
		s.mu.Unlock()
		if inner != nil {
			inner.Cancel()
		}
		return
	default:
	}
	s.err = ErrCancelled
	close(s.done)
	s.mu.Unlock()
}

func (s *RedirectedSource) sealedPlayable() {}

// linkedContext derives a context from parent that is additionally cancelled
// when other is done. The returned stop func releases both hooks.
func linkedContext(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	unhook := context.AfterFunc(other, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

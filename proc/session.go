package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/hibiki/sys"
)

var (
	SessionManagerInstance *SessionManager
	OnceSession            sync.Once
)

// Notifier is the session's outward message channel.
type Notifier interface {
	Send(message string)
}

// SessionManager owns the per-guild playback sessions.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*PlaybackSession
	resolver *Resolver
}

// GetSessionManager returns the singleton SessionManager instance.
func GetSessionManager() *SessionManager {
	OnceSession.Do(func() {
		SessionManagerInstance = &SessionManager{
			sessions: make(map[snowflake.ID]*PlaybackSession),
			resolver: NewResolver(
				DBRedirectStore{},
				[]SearchProvider{YTMusicProvider{}, YTSearchProvider{}},
				YTDLPBackend{},
			),
		}
	})
	return SessionManagerInstance
}

// Suggest exposes raw provider hits for autocomplete.
func (m *SessionManager) Suggest(ctx context.Context, query string, limit int) []Candidate {
	candidates := m.resolver.collect(ctx, query)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// Prepare ensures a session exists for the guild and channel, creating it if
// necessary. It returns instantly and does NOT perform the voice connection.
func (m *SessionManager) Prepare(client *bot.Client, guildID, channelID snowflake.ID, notifier Notifier) *PlaybackSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[guildID]; ok {
		if sess.ChannelID == channelID {
			if notifier != nil {
				sess.setNotifier(notifier)
			}
			return sess
		}
		// Moving channels tears the old session down, connection included.
		sess.Stop()
		if sess.Conn != nil {
			sess.Conn.Close(context.Background())
		}
	}

	conn := client.VoiceManager.CreateConn(guildID)
	ctx, cancel := context.WithCancel(context.Background())

	width := 2
	timeout := DefaultResolveTimeout
	if sys.GlobalConfig != nil {
		width = sys.GlobalConfig.SearchWorkers
		timeout = sys.GlobalConfig.ResolveTimeout
	}

	sess := &PlaybackSession{
		GuildID:    guildID,
		ChannelID:  channelID,
		Conn:       conn,
		Queue:      NewAudioQueue(),
		Tasks:      NewTaskQueue(width),
		resolver:   m.resolver,
		notifier:   notifier,
		timeout:    timeout,
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
	sess.engine = NewFFmpegEngine(conn)
	sess.joinedCond = sync.NewCond(&sess.joinedMu)

	m.sessions[guildID] = sess
	return sess
}

// Join connects the bot to a voice channel.
func (m *SessionManager) Join(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID, notifier Notifier) error {
	sess := m.Prepare(client, guildID, channelID, notifier)

	sess.joinedMu.Lock()
	if sess.joined {
		sess.joinedMu.Unlock()
		return nil
	}
	sess.joinedMu.Unlock()

	if err := sess.Conn.Open(ctx, channelID, false, false); err != nil {
		sess.Conn.Close(ctx)
		m.mu.Lock()
		delete(m.sessions, guildID)
		m.mu.Unlock()
		sess.cancelFunc()
		return err
	}

	sess.joinedMu.Lock()
	sess.joined = true
	sess.joinedCond.Broadcast()
	sess.joinedMu.Unlock()
	return nil
}

// Leave disconnects the bot from voice and drops the session.
func (m *SessionManager) Leave(ctx context.Context, client *bot.Client, guildID snowflake.ID) {
	m.mu.Lock()
	sess, ok := m.sessions[guildID]
	if ok {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.Stop()
	if sess.Conn != nil {
		sess.Conn.Close(ctx)
	}
}

func (m *SessionManager) GetSession(guildID snowflake.ID) *PlaybackSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// Shutdown stops and closes every session.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*PlaybackSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[snowflake.ID]*PlaybackSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
		if sess.Conn != nil {
			sess.Conn.Close(ctx)
		}
	}
}

// PlaybackSession is the per-guild aggregate: the queue of playables, the
// task queue resolving them, the voice connection and the iterator walking
// the queue.
type PlaybackSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Conn      voice.Conn

	Queue *AudioQueue
	Tasks *TaskQueue

	resolver *Resolver
	engine   AudioEngine
	timeout  time.Duration

	notifierMu sync.Mutex
	notifier   Notifier

	iterMu     sync.Mutex
	iter       *QueueIterator
	iterCancel context.CancelFunc

	joined     bool
	joinedMu   sync.Mutex
	joinedCond *sync.Cond

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
}

func (s *PlaybackSession) setNotifier(n Notifier) {
	s.notifierMu.Lock()
	s.notifier = n
	s.notifierMu.Unlock()
}

func (s *PlaybackSession) notify(message string) {
	s.notifierMu.Lock()
	n := s.notifier
	s.notifierMu.Unlock()
	if n != nil {
		n.Send(message)
	}
}

// WaitJoined blocks until the session is connected to voice.
func (s *PlaybackSession) WaitJoined(ctx context.Context) error {
	// Wake the cond when either context dies, otherwise Wait could block
	// forever with nobody left to broadcast.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.cancelCtx.Done():
		case <-done:
			return
		}
		s.joinedMu.Lock()
		s.joinedCond.Broadcast()
		s.joinedMu.Unlock()
	}()

	s.joinedMu.Lock()
	defer s.joinedMu.Unlock()

	for !s.joined {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cancelCtx.Done():
			return ErrCancelled
		default:
		}
		s.joinedCond.Wait()
	}
	return nil
}

// NewPlayable turns user input into a playable without doing any work yet:
// resolution happens lazily on first blocking read.
func (s *PlaybackSession) NewPlayable(input string) Playable {
	input = strings.TrimSpace(input)

	switch {
	case strings.Contains(input, "spotify.com/track/"):
		ref := TrackRef{
			ID:    "spotify:" + spotifyTrackID(input),
			Title: input,
			Kind:  TrackKindSpotify,
		}
		return NewRedirectedSource(ref, func(rs *RedirectedSource) (Playable, error) {
			return s.loadSpotify(rs, input)
		})

	case strings.Contains(input, "youtube.com/watch") || strings.Contains(input, "youtu.be/"):
		// The link already names a backend resource; no catalog search, but
		// extraction still runs lazily through the same path as other links.
		ref := TrackRef{
			ID:    input,
			Title: input,
			Kind:  TrackKindBackend,
		}
		return NewRedirectedSource(ref, func(rs *RedirectedSource) (Playable, error) {
			return s.loadHosted(rs, input)
		})

	case strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://"):
		ref := TrackRef{
			ID:    input,
			Title: input,
			Kind:  TrackKindHosted,
		}
		return NewRedirectedSource(ref, func(rs *RedirectedSource) (Playable, error) {
			return s.loadHosted(rs, input)
		})

	default:
		ref := TrackRef{
			Title: input,
			Kind:  TrackKindQuery,
		}
		return s.newLazy(ref)
	}
}

// newLazy builds a lazy playable whose resolution runs as a task on this
// session's queue, bounded by both the task's and the playable's lifetime.
func (s *PlaybackSession) newLazy(ref TrackRef) *LazySource {
	return NewLazySource(ref, func(ls *LazySource) {
		s.Tasks.Submit(func(taskCtx context.Context) {
			ctx, stop := linkedContext(taskCtx, ls.Context())
			defer stop()

			backend, err := s.resolver.Resolve(ctx, ref)
			ls.Complete(backend, err)
		})
	})
}

// loadSpotify resolves a Spotify track link into a lazy catalog search keyed
// by the stable Spotify track id.
func (s *PlaybackSession) loadSpotify(rs *RedirectedSource, link string) (Playable, error) {
	ctx, cancel := context.WithTimeout(rs.Context(), providerCallTimeout)
	defer cancel()

	title, artist, err := fetchSpotifyOEmbed(ctx, link)
	if err != nil {
		return nil, err
	}

	ref := TrackRef{
		ID:    "spotify:" + spotifyTrackID(link),
		Title: title,
		Kind:  TrackKindSpotify,
	}
	if artist != "" {
		ref.Artists = []string{artist}
	}

	return s.newLazy(ref), nil
}

// loadHosted inspects a plain link: directly streamable audio plays as-is,
// anything else goes through yt-dlp extraction.
func (s *PlaybackSession) loadHosted(rs *RedirectedSource, link string) (Playable, error) {
	ctx, cancel := context.WithTimeout(rs.Context(), providerCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		contentType := resp.Header.Get("Content-Type")
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && (strings.HasPrefix(contentType, "audio/") ||
			strings.HasPrefix(contentType, "application/octet-stream")) {
			return NewImmediateSource(rs.Ref(), ResolvedBackend{
				ID:        link,
				Title:     rs.Ref().Title,
				StreamURL: link,
			}), nil
		}
	}

	backend, err := s.resolver.backends.Fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	return NewImmediateSource(rs.Ref(), *backend), nil
}

// Enqueue appends a playable for the input and returns it.
func (s *PlaybackSession) Enqueue(input string) Playable {
	track := s.NewPlayable(input)
	s.Queue.Add(track)
	return track
}

// StartPlayback starts a fresh iterator at the queue cursor, replacing any
// running one.
func (s *PlaybackSession) StartPlayback() {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	s.startLocked()
}

func (s *PlaybackSession) startLocked() {
	if s.iter != nil {
		s.iter.Replace()
		if s.iterCancel != nil {
			s.iterCancel()
		}
	}

	ctx, cancel := context.WithCancel(s.cancelCtx)
	iter := NewQueueIterator(s.Queue, s.engine, IteratorHooks{
		NowPlaying: func(title string) {
			s.notify(fmt.Sprintf(sys.MsgNowPlaying, title))
		},
		TrackFailed: func(title string) {
			s.notify(fmt.Sprintf(sys.MsgTrackSkipped, title))
		},
		TooManyFailures: func() {
			s.notify(sys.MsgTooManyFailures)
		},
		Record: func(ref TrackRef, title string) {
			recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sys.AddPlayHistory(recCtx, s.GuildID, ref.ID, title); err != nil {
				sys.LogError("Failed to record play history: %v", err)
			}
		},
		Release: func() {
			s.release()
		},
	}, s.timeout, s.GuildID.String())

	s.iter = iter
	s.iterCancel = cancel

	// Playback must never wait behind resolution tasks.
	s.Tasks.SubmitPrivileged(func(taskCtx context.Context) {
		runCtx, stop := linkedContext(ctx, taskCtx)
		defer stop()
		iter.Run(runCtx)
	})
}

// Active reports whether an iterator is currently working the queue.
func (s *PlaybackSession) Active() bool {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	if s.iter == nil {
		return false
	}
	state := s.iter.State()
	return state == IterStarting || state == IterPlaying
}

// Skip abandons the current track and restarts the iterator at the next one.
// A hard skip additionally interrupts every running task, for when a stuck
// resolution is holding the soft path up.
func (s *PlaybackSession) Skip(hard bool) error {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()

	if s.iter == nil || s.iter.State() == IterEnded || s.iter.State() == IterIdle {
		return ErrEmptyQueue
	}

	if hard {
		s.Tasks.InterruptAll()
	}

	if _, err := s.Queue.Next(true); err != nil {
		if !s.Queue.RepeatAll() || s.Queue.Len() == 0 {
			s.iter.Replace()
			if s.iterCancel != nil {
				s.iterCancel()
			}
			s.release()
			return err
		}
		s.Queue.Reset()
		if s.Queue.Shuffle() {
			s.Queue.Randomize()
		}
	}

	s.startLocked()
	return nil
}

// Stop halts playback, flushes the task queue and clears the queue.
func (s *PlaybackSession) Stop() {
	s.iterMu.Lock()
	if s.iter != nil {
		s.iter.Replace()
		if s.iterCancel != nil {
			s.iterCancel()
		}
		s.iter = nil
		s.iterCancel = nil
	}
	s.iterMu.Unlock()

	s.Tasks.CancelPending()
	s.Tasks.InterruptAll()

	for _, track := range s.queueTracks() {
		track.Cancel()
	}
	s.Queue.Clear()
	s.release()
}

func (s *PlaybackSession) queueTracks() []Playable {
	items, _ := s.Queue.Snapshot()
	return items
}

func (s *PlaybackSession) release() {
	if s.Conn != nil {
		s.Conn.SetOpusFrameProvider(nil)
		s.Conn.SetSpeaking(context.TODO(), 0)
	}
}

// --- Spotify link helpers ---

func spotifyTrackID(link string) string {
	idx := strings.Index(link, "/track/")
	if idx < 0 {
		return link
	}
	id := link[idx+len("/track/"):]
	if cut := strings.IndexAny(id, "?#"); cut >= 0 {
		id = id[:cut]
	}
	return id
}

// fetchSpotifyOEmbed pulls the public oEmbed title for a track link. The
// title comes back as "Track by Artist".
func fetchSpotifyOEmbed(ctx context.Context, link string) (title, artist string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://open.spotify.com/oembed?url="+link, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("oembed status %d", resp.StatusCode)
	}

	var data struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", "", err
	}
	if data.Title == "" {
		return "", "", ErrNoMatches
	}

	if idx := strings.LastIndex(data.Title, " by "); idx > 0 {
		return data.Title[:idx], data.Title[idx+len(" by "):], nil
	}
	return data.Title, "", nil
}

package proc

import (
	"context"
	"iter"
	"sync"
	"testing"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

func TestNewPlayableKinds(t *testing.T) {
	sess := &PlaybackSession{Queue: NewAudioQueue(), Tasks: NewTaskQueue(1)}

	cases := []struct {
		input string
		kind  TrackKind
		id    string
	}{
		{"https://open.spotify.com/track/abc123?si=xyz", TrackKindSpotify, "spotify:abc123"},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ", TrackKindBackend, "https://music.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", TrackKindBackend, "https://youtu.be/dQw4w9WgXcQ"},
		{"https://example.com/song.mp3", TrackKindHosted, "https://example.com/song.mp3"},
		{"never gonna give you up", TrackKindQuery, ""},
	}

	for _, tc := range cases {
		ref := sess.NewPlayable(tc.input).Ref()
		if ref.Kind != tc.kind {
			t.Errorf("%s: kind = %s, want %s", tc.input, ref.Kind, tc.kind)
		}
		if ref.ID != tc.id {
			t.Errorf("%s: id = %s, want %s", tc.input, ref.ID, tc.id)
		}
	}
}

func TestSpotifyTrackID(t *testing.T) {
	cases := []struct {
		link string
		want string
	}{
		{"https://open.spotify.com/track/abc123", "abc123"},
		{"https://open.spotify.com/track/abc123?si=share", "abc123"},
		{"https://open.spotify.com/track/abc123#frag", "abc123"},
	}
	for _, tc := range cases {
		if got := spotifyTrackID(tc.link); got != tc.want {
			t.Errorf("spotifyTrackID(%s) = %s, want %s", tc.link, got, tc.want)
		}
	}
}

// fakeConn satisfies voice.Conn with no-ops, recording Close calls.
type fakeConn struct {
	guildID snowflake.ID

	mu     sync.Mutex
	closed int
}

func (c *fakeConn) Gateway() voice.Gateway   { return nil }
func (c *fakeConn) UDP() voice.UDPConn       { return nil }
func (c *fakeConn) ChannelID() *snowflake.ID { return nil }
func (c *fakeConn) GuildID() snowflake.ID    { return c.guildID }

func (c *fakeConn) UserIDBySSRC(ssrc uint32) snowflake.ID { return 0 }

func (c *fakeConn) SetOpusFrameProvider(voice.OpusFrameProvider) {}
func (c *fakeConn) SetOpusFrameReceiver(voice.OpusFrameReceiver) {}
func (c *fakeConn) SetEventHandlerFunc(voice.EventHandlerFunc)   {}

func (c *fakeConn) SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error { return nil }

func (c *fakeConn) Open(ctx context.Context, channelID snowflake.ID, selfMute, selfDeaf bool) error {
	return nil
}

func (c *fakeConn) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *fakeConn) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) HandleVoiceStateUpdate(update gateway.EventVoiceStateUpdate)   {}
func (c *fakeConn) HandleVoiceServerUpdate(update gateway.EventVoiceServerUpdate) {}

type fakeVoiceManager struct{}

func (fakeVoiceManager) HandleVoiceStateUpdate(update gateway.EventVoiceStateUpdate)   {}
func (fakeVoiceManager) HandleVoiceServerUpdate(update gateway.EventVoiceServerUpdate) {}

func (fakeVoiceManager) CreateConn(guildID snowflake.ID) voice.Conn {
	return &fakeConn{guildID: guildID}
}

func (fakeVoiceManager) GetConn(guildID snowflake.ID) voice.Conn { return nil }

func (fakeVoiceManager) Conns() iter.Seq[voice.Conn] {
	return func(yield func(voice.Conn) bool) {}
}

func (fakeVoiceManager) RemoveConn(guildID snowflake.ID) {}
func (fakeVoiceManager) Close(ctx context.Context)       {}

func TestPrepareChannelMoveClosesOldConn(t *testing.T) {
	client := &bot.Client{VoiceManager: fakeVoiceManager{}}
	m := &SessionManager{
		sessions: make(map[snowflake.ID]*PlaybackSession),
		resolver: NewResolver(newFakeStore(), nil, &fakeBackend{}),
	}

	guild := snowflake.ID(1)
	first := m.Prepare(client, guild, snowflake.ID(10), nil)
	second := m.Prepare(client, guild, snowflake.ID(20), nil)
	if second == first {
		t.Fatal("channel move reused the old session")
	}

	if got := first.Conn.(*fakeConn).closedCount(); got != 1 {
		t.Fatalf("old connection closed %d times, want 1", got)
	}
	if got := second.Conn.(*fakeConn).closedCount(); got != 0 {
		t.Fatalf("new connection closed %d times, want 0", got)
	}
}

func TestPrepareSameChannelReusesSession(t *testing.T) {
	client := &bot.Client{VoiceManager: fakeVoiceManager{}}
	m := &SessionManager{
		sessions: make(map[snowflake.ID]*PlaybackSession),
		resolver: NewResolver(newFakeStore(), nil, &fakeBackend{}),
	}

	guild := snowflake.ID(1)
	first := m.Prepare(client, guild, snowflake.ID(10), nil)
	second := m.Prepare(client, guild, snowflake.ID(10), nil)
	if second != first {
		t.Fatal("same channel produced a fresh session")
	}
	if got := first.Conn.(*fakeConn).closedCount(); got != 0 {
		t.Fatalf("connection closed %d times, want 0", got)
	}
}

package proc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/voice"

	"github.com/leeineian/hibiki/sys"
)

// AudioEngine plays a stream URL into a voice connection, blocking until the
// stream ends or ctx is cancelled. What happens between URL and Opus frames
// is the engine's business.
type AudioEngine interface {
	LoadAndPlay(ctx context.Context, streamURL string) error
}

// FFmpegEngine pipes the input through an ffmpeg subprocess transcoding to
// Ogg/Opus and feeds the parsed frames to the connection.
type FFmpegEngine struct {
	conn voice.Conn

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewFFmpegEngine(conn voice.Conn) *FFmpegEngine {
	return &FFmpegEngine{conn: conn}
}

func (e *FFmpegEngine) LoadAndPlay(ctx context.Context, streamURL string) error {
	args := []string{
		"-i", streamURL,
		"-map", "0:a",
		"-acodec", "libopus",
		"-b:a", "128k",
		"-vbr", "on",
		"-compression_level", "10",
		"-analyzeduration", "0",
		"-probesize", "32",
		"-f", "opus",
		"pipe:1",
	}

	if strings.HasPrefix(streamURL, "http") {
		// Optimize input for network streams
		args = append([]string{
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "2",
			"-user_agent", "Mozilla/5.0",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
		}, args...)
	}

	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			sys.LogDebug("ffmpeg: %s", scanner.Text())
		}
	}()

	provider := newOggFrameProvider(stdout)
	done := make(chan struct{})
	provider.OnFinish = func() {
		close(done)
	}

	e.conn.SetOpusFrameProvider(provider)
	e.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)

	var cause error
	select {
	case <-done:
		time.Sleep(100 * time.Millisecond)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	cmd.Process.Kill()
	waitErr := cmd.Wait()

	e.conn.SetOpusFrameProvider(nil)
	e.conn.SetSpeaking(context.TODO(), 0)

	// A stream that ended without producing a single frame never played:
	// ffmpeg bailing out on a dead URL hits EOF the same way a finished
	// track does, and must not pass for natural completion.
	if cause == nil && provider.frames.Load() == 0 {
		if waitErr != nil {
			return fmt.Errorf("%w: ffmpeg: %v", ErrLoadFailed, waitErr)
		}
		return fmt.Errorf("%w: no audio in stream", ErrLoadFailed)
	}
	return cause
}

// Stop kills any running subprocess.
func (e *FFmpegEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil && e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
}

// oggFrameProvider implements voice.OpusFrameProvider by parsing Opus
// packets out of an Ogg stream.
type oggFrameProvider struct {
	reader    *bufio.Reader
	header    []byte
	segBuf    []byte
	packetBuf bytes.Buffer
	queue     [][]byte
	frames    atomic.Int64
	OnFinish  func()
	once      sync.Once
}

func newOggFrameProvider(r io.Reader) *oggFrameProvider {
	return &oggFrameProvider{
		reader: bufio.NewReaderSize(r, 16384),
		header: make([]byte, 27),
		segBuf: make([]byte, 255),
	}
}

func (p *oggFrameProvider) Close() {
	// No-op
}

func (p *oggFrameProvider) triggerFinish() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// ProvideOpusFrame parses the next Opus packet from the Ogg stream.
func (p *oggFrameProvider) ProvideOpusFrame() ([]byte, error) {
	// 1. Return queued packets if any
	if len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue = p.queue[1:]
		p.frames.Add(1)
		return frame, nil
	}

scanLoop:
	for {
		sig, err := p.reader.Peek(4)
		if err != nil {
			p.triggerFinish()
			return nil, err
		}

		if string(sig) == "OggS" {
			_, err := io.ReadFull(p.reader, p.header)
			if err != nil {
				p.triggerFinish()
				return nil, err
			}
		} else {
			_, _ = p.reader.Discard(1)
			continue scanLoop
		}

		numSegs := int(p.header[26])
		segTable := p.segBuf[:numSegs]
		if _, err := io.ReadFull(p.reader, segTable); err != nil {
			p.triggerFinish()
			return nil, err
		}

		for _, segLen := range segTable {
			l := int(segLen)
			_, err := io.CopyN(&p.packetBuf, p.reader, int64(l))
			if err != nil {
				p.triggerFinish()
				return nil, err
			}

			if l < 255 {
				payload := p.packetBuf.Bytes()
				frame := make([]byte, len(payload))
				copy(frame, payload)
				p.packetBuf.Reset()

				// Skip metadata packets (OpusHead/OpusTags).
				if len(frame) > 8 && (string(frame[:8]) == "OpusHead" || string(frame[:8]) == "OpusTags") {
					continue
				}

				p.queue = append(p.queue, frame)
			}
		}

		// If we found any frames in this page, return the first one.
		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue = p.queue[1:]
			p.frames.Add(1)
			return frame, nil
		}
	}
}

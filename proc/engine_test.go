package proc

import (
	"bytes"
	"testing"
)

// oggPage builds a single page with one lacing segment per packet. Packets
// must be shorter than 255 bytes.
func oggPage(packets ...[]byte) []byte {
	header := make([]byte, 27)
	copy(header, "OggS")
	header[26] = byte(len(packets))

	out := header
	for _, p := range packets {
		out = append(out, byte(len(p)))
	}
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

func TestOggFrameProviderSkipsMetadata(t *testing.T) {
	opusHead := append([]byte("OpusHead"), make([]byte, 11)...)
	opusTags := append([]byte("OpusTags"), make([]byte, 4)...)
	audio := []byte("opus-audio")

	stream := oggPage(opusHead, opusTags, audio)
	p := newOggFrameProvider(bytes.NewReader(stream))

	finished := false
	p.OnFinish = func() { finished = true }

	frame, err := p.ProvideOpusFrame()
	if err != nil {
		t.Fatalf("ProvideOpusFrame: %v", err)
	}
	if !bytes.Equal(frame, audio) {
		t.Fatalf("frame = %q, want the audio packet", frame)
	}
	if finished {
		t.Error("finish fired before the stream ended")
	}

	if _, err := p.ProvideOpusFrame(); err == nil {
		t.Fatal("expected an error at end of stream")
	}
	if !finished {
		t.Error("finish did not fire at end of stream")
	}
	if got := p.frames.Load(); got != 1 {
		t.Errorf("frames = %d, want 1", got)
	}
}

func TestOggFrameProviderEmptyStream(t *testing.T) {
	p := newOggFrameProvider(bytes.NewReader(nil))

	finished := false
	p.OnFinish = func() { finished = true }

	if _, err := p.ProvideOpusFrame(); err == nil {
		t.Fatal("expected an error on an empty stream")
	}
	if !finished {
		t.Error("finish did not fire on an empty stream")
	}

	// Zero frames delivered means the stream never played; the engine uses
	// this to distinguish a dead URL from a finished track.
	if got := p.frames.Load(); got != 0 {
		t.Errorf("frames = %d, want 0", got)
	}
}

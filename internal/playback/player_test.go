package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeWAV(t *testing.T, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 24000, 16, 1, 1)
	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 64) * 256
	}
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 24000}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// gatedOutput blocks every clip until released or cancelled.
type gatedOutput struct {
	mu      sync.Mutex
	started chan int
	release chan struct{}
	played  []int
	stopped int
	closed  bool
}

func newGatedOutput() *gatedOutput {
	return &gatedOutput{started: make(chan int, 16), release: make(chan struct{}, 16)}
}

func (g *gatedOutput) Play(ctx context.Context, clip []byte) error {
	g.started <- len(clip)
	select {
	case <-g.release:
		g.mu.Lock()
		g.played = append(g.played, len(clip))
		g.mu.Unlock()
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		g.stopped++
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *gatedOutput) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func waitStarted(t *testing.T, g *gatedOutput) int {
	t.Helper()
	select {
	case n := <-g.started:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("clip never started")
		return 0
	}
}

func TestProbeWAV(t *testing.T) {
	format, err := ProbeWAV(makeWAV(t, 24000))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if format.SampleRate != 24000 || format.Channels != 1 || format.BitDepth != 16 {
		t.Fatalf("unexpected format %+v", format)
	}
	if format.Duration != time.Second {
		t.Fatalf("expected 1s, got %s", format.Duration)
	}
	if _, err := ProbeWAV([]byte("not a wav file at all")); !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestDecodePCM16(t *testing.T) {
	format, pcm, err := decodePCM16(makeWAV(t, 480))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 960 {
		t.Fatalf("expected 960 bytes, got %d", len(pcm))
	}
	if got := int16(binary.LittleEndian.Uint16(pcm[2:])); got != 256 {
		t.Fatalf("unexpected second sample %d", got)
	}
	if format.Duration != 20*time.Millisecond {
		t.Fatalf("unexpected duration %s", format.Duration)
	}
}

func TestEnqueueWithoutOutputIsUnavailable(t *testing.T) {
	p := NewPlayer(context.Background(), 0, newLogger())
	defer p.Close()
	err := p.Enqueue(context.Background(), "G1", makeWAV(t, 10))
	if !errors.Is(err, synthesis.ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable, got %v", err)
	}
}

func TestEnqueueRejectsInvalidAudio(t *testing.T) {
	p := NewPlayer(context.Background(), 0, newLogger())
	defer p.Close()
	p.Attach("G1", &DiscardOutput{})
	if err := p.Enqueue(context.Background(), "G1", []byte("garbage")); !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestPlayerPlaysInOrder(t *testing.T) {
	p := NewPlayer(context.Background(), 0, newLogger())
	defer p.Close()
	out := newGatedOutput()
	p.Attach("G1", out)

	first, second := makeWAV(t, 10), makeWAV(t, 20)
	for _, clip := range [][]byte{first, second} {
		if err := p.Enqueue(context.Background(), "G1", clip); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n := waitStarted(t, out); n != len(first) {
		t.Fatalf("expected first clip first")
	}
	out.release <- struct{}{}
	if n := waitStarted(t, out); n != len(second) {
		t.Fatalf("expected second clip next")
	}
	out.release <- struct{}{}
}

func TestSkipStopsCurrentTrackOnly(t *testing.T) {
	p := NewPlayer(context.Background(), 0, newLogger())
	defer p.Close()
	out := newGatedOutput()
	p.Attach("G1", out)

	if p.Skip("G1") {
		t.Fatal("nothing playing yet")
	}
	_ = p.Enqueue(context.Background(), "G1", makeWAV(t, 10))
	_ = p.Enqueue(context.Background(), "G1", makeWAV(t, 20))
	waitStarted(t, out)
	if !p.Playing("G1") {
		t.Fatal("expected playing")
	}
	if !p.Skip("G1") {
		t.Fatal("expected skip to stop the current clip")
	}
	waitStarted(t, out)
	out.release <- struct{}{}

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.stopped != 1 {
		t.Fatalf("expected one stopped clip, got %d", out.stopped)
	}
}

func TestStopDropsQueueAndCurrent(t *testing.T) {
	p := NewPlayer(context.Background(), 0, newLogger())
	defer p.Close()
	out := newGatedOutput()
	p.Attach("G1", out)

	for i := 0; i < 3; i++ {
		_ = p.Enqueue(context.Background(), "G1", makeWAV(t, 10))
	}
	waitStarted(t, out)
	if n := p.Stop("G1"); n != 3 {
		t.Fatalf("expected 3 discarded, got %d", n)
	}
	if p.Queued("G1") != 0 {
		t.Fatal("expected empty track queue")
	}
	select {
	case <-out.started:
		t.Fatal("no clip should start after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackQueueBound(t *testing.T) {
	p := NewPlayer(context.Background(), 1, newLogger())
	defer p.Close()
	out := newGatedOutput()
	p.Attach("G1", out)

	_ = p.Enqueue(context.Background(), "G1", makeWAV(t, 10))
	waitStarted(t, out)
	if err := p.Enqueue(context.Background(), "G1", makeWAV(t, 10)); err != nil {
		t.Fatalf("expected one queued clip accepted, got %v", err)
	}
	if err := p.Enqueue(context.Background(), "G1", makeWAV(t, 10)); !errors.Is(err, ErrTooManyTracks) {
		t.Fatalf("expected ErrTooManyTracks, got %v", err)
	}
}

func TestDetachClosesOutput(t *testing.T) {
	p := NewPlayer(context.Background(), 0, newLogger())
	defer p.Close()
	out := newGatedOutput()
	p.Attach("G1", out)
	_ = p.Enqueue(context.Background(), "G1", makeWAV(t, 10))
	waitStarted(t, out)

	if !p.Detach("G1") {
		t.Fatal("expected detach")
	}
	if p.Attached("G1") {
		t.Fatal("expected guild detached")
	}
	out.mu.Lock()
	closed := out.closed
	out.mu.Unlock()
	if !closed {
		t.Fatal("expected output closed")
	}
	if err := p.Enqueue(context.Background(), "G1", makeWAV(t, 10)); !errors.Is(err, synthesis.ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable after detach, got %v", err)
	}
}

type recordingVoice struct {
	mu       sync.Mutex
	frames   [][]byte
	speaking []bool
}

func (r *recordingVoice) Speaking(b bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking = append(r.speaking, b)
	return nil
}

func (r *recordingVoice) SendOpus(ctx context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return ctx.Err()
}

func dcaStream(frames ...string) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		_ = binary.Write(&buf, binary.LittleEndian, int16(len(f)))
		buf.WriteString(f)
	}
	return buf.Bytes()
}

func TestDiscordOutputSendsFrames(t *testing.T) {
	voice := &recordingVoice{}
	out, err := NewDiscordOutput("cat", voice, newLogger())
	if err != nil {
		t.Fatalf("new output: %v", err)
	}
	if err := out.Play(context.Background(), dcaStream("abc", "defgh")); err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(voice.frames) != 2 || string(voice.frames[0]) != "abc" || string(voice.frames[1]) != "defgh" {
		t.Fatalf("unexpected frames %q", voice.frames)
	}
	if len(voice.speaking) != 2 || !voice.speaking[0] || voice.speaking[1] {
		t.Fatalf("unexpected speaking flags %v", voice.speaking)
	}
}

func TestDiscordOutputRejectsCorruptStream(t *testing.T) {
	out, err := NewDiscordOutput("cat", &recordingVoice{}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Play(context.Background(), []byte{0xff, 0x7f, 'x'}); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestDiscordOutputCommandParsing(t *testing.T) {
	if _, err := NewDiscordOutput("", &recordingVoice{}, newLogger()); err == nil {
		t.Fatal("expected empty command rejected")
	}
	out, err := NewDiscordOutput(`sh -c 'cat | cat'`, &recordingVoice{}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.cmd) != 3 || out.cmd[2] != "cat | cat" {
		t.Fatalf("unexpected argv %q", out.cmd)
	}
}

package playback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// SpeakerOutput plays clips on the host's default audio device. oto allows a single
// context per process, so one SpeakerOutput is shared by every guild.
type SpeakerOutput struct {
	ctx        *oto.Context
	sampleRate int
	channels   int
	mu         sync.Mutex
	logger     *slog.Logger
}

func NewSpeakerOutput(sampleRate, channels int, logger *slog.Logger) (*SpeakerOutput, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("create oto context: %w", err)
	}
	<-ready
	return &SpeakerOutput{
		ctx:        otoCtx,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.With(slog.String("component", "speaker-output")),
	}, nil
}

func (s *SpeakerOutput) Play(ctx context.Context, audio []byte) error {
	format, pcm, err := decodePCM16(audio)
	if err != nil {
		return err
	}
	if format.SampleRate != s.sampleRate || format.Channels != s.channels {
		return fmt.Errorf("clip is %d Hz/%d ch, device opened at %d Hz/%d ch",
			format.SampleRate, format.Channels, s.sampleRate, s.channels)
	}

	// guilds share one device
	s.mu.Lock()
	defer s.mu.Unlock()

	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close keeps the oto context alive; it cannot be reopened once released.
func (s *SpeakerOutput) Close() error { return nil }

// DiscardOutput accepts clips without rendering them.
type DiscardOutput struct {
	mu     sync.Mutex
	played int
}

func (d *DiscardOutput) Play(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.played++
	d.mu.Unlock()
	return nil
}

func (d *DiscardOutput) Played() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played
}

func (d *DiscardOutput) Close() error { return nil }

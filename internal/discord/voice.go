package discord

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/loqalabs/loqa-voicebot/internal/playback"
)

const frameSendTimeout = 2 * time.Second

var errVoiceNotReady = errors.New("discord: voice connection not ready")

// voiceSender feeds opus packets into a discordgo voice connection.
type voiceSender struct {
	vc *discordgo.VoiceConnection
}

func (v voiceSender) Speaking(speaking bool) error {
	return v.vc.Speaking(speaking)
}

func (v voiceSender) SendOpus(ctx context.Context, frame []byte) error {
	if !v.vc.Ready {
		return errVoiceNotReady
	}
	timer := time.NewTimer(frameSendTimeout)
	defer timer.Stop()
	select {
	case v.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return errVoiceNotReady
	}
}

// voiceOutput leaves the voice channel when the player detaches it.
type voiceOutput struct {
	*playback.DiscordOutput
	vc *discordgo.VoiceConnection
}

func (o *voiceOutput) Close() error {
	_ = o.DiscordOutput.Close()
	return o.vc.Disconnect()
}

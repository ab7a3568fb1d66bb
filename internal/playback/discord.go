package playback

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

const maxOpusFrame = 4000

// VoiceSender delivers opus packets to a connected voice channel.
type VoiceSender interface {
	Speaking(speaking bool) error
	SendOpus(ctx context.Context, frame []byte) error
}

// DiscordOutput pipes WAV audio through an encoder command that writes DCA frames
// (little-endian int16 length followed by one opus packet) and sends each frame.
type DiscordOutput struct {
	cmd    []string
	voice  VoiceSender
	logger *slog.Logger
}

func NewDiscordOutput(command string, voice VoiceSender, logger *slog.Logger) (*DiscordOutput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("encoder command empty")
	}
	return &DiscordOutput{
		cmd:    args,
		voice:  voice,
		logger: logger.With(slog.String("component", "discord-output")),
	}, nil
}

func (d *DiscordOutput) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	if err := d.voice.Speaking(true); err != nil {
		d.logger.Debug("speaking flag not set", slogError(err))
	}
	defer func() {
		if err := d.voice.Speaking(false); err != nil {
			d.logger.Debug("speaking flag not cleared", slogError(err))
		}
	}()

	sendErr := d.pump(ctx, bufio.NewReader(stdout))
	if sendErr != nil {
		// drain so the encoder is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if sendErr != nil {
		return sendErr
	}
	if waitErr != nil {
		return fmt.Errorf("encoder: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (d *DiscordOutput) pump(ctx context.Context, r io.Reader) error {
	for {
		frame, err := readDCAFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.voice.SendOpus(ctx, frame); err != nil {
			return err
		}
	}
}

func (d *DiscordOutput) Close() error { return nil }

func readDCAFrame(r io.Reader) ([]byte, error) {
	var size int16
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated dca header: %w", err)
		}
		return nil, err
	}
	if size <= 0 || size > maxOpusFrame {
		return nil, fmt.Errorf("invalid dca frame size %d", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("read dca frame: %w", err)
	}
	return frame, nil
}

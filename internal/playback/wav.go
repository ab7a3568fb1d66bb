package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("playback: audio is not a PCM WAV file")

type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// ProbeWAV reads the RIFF header of a synthesized clip.
func ProbeWAV(audio []byte) (Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return Format{}, ErrInvalidWAV
	}
	duration, err := dec.Duration()
	if err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	return Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Duration:   duration,
	}, nil
}

// decodePCM16 returns the clip as interleaved signed 16-bit little-endian samples.
func decodePCM16(audio []byte) (Format, []byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return Format{}, nil, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if format.BitDepth != 16 {
		return format, nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, format.BitDepth)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	if format.SampleRate > 0 && format.Channels > 0 {
		frames := len(buf.Data) / format.Channels
		format.Duration = time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
	}
	return format, pcm, nil
}

package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

var ErrTooManyTracks = errors.New("playback: track queue is full")

// Output renders one WAV clip. Play blocks until the clip finished or ctx is done.
type Output interface {
	Play(ctx context.Context, audio []byte) error
	Close() error
}

type guildPlayer struct {
	output Output
	tracks [][]byte
	cancel context.CancelFunc
	signal chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	done   chan struct{}
}

// Player keeps one track queue per guild and plays it through the attached Output.
type Player struct {
	mu        sync.Mutex
	guilds    map[string]*guildPlayer
	maxTracks int
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
}

func NewPlayer(parent context.Context, maxTracks int, logger *slog.Logger) *Player {
	ctx, cancel := context.WithCancel(parent)
	return &Player{
		guilds:    make(map[string]*guildPlayer),
		maxTracks: maxTracks,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "playback")),
	}
}

// Attach routes a guild's audio to out. An existing output is detached first.
func (p *Player) Attach(guildID string, out Output) {
	p.Detach(guildID)

	ctx, stop := context.WithCancel(p.ctx)
	gp := &guildPlayer{
		output: out,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		stop:   stop,
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	p.guilds[guildID] = gp
	p.mu.Unlock()

	go p.loop(guildID, gp)
	p.logger.Info("output attached", slog.String("guild_id", guildID))
}

// Detach stops playback for a guild, drops its tracks and closes the output.
func (p *Player) Detach(guildID string) bool {
	p.mu.Lock()
	gp, ok := p.guilds[guildID]
	if ok {
		delete(p.guilds, guildID)
		gp.tracks = nil
		if gp.cancel != nil {
			gp.cancel()
		}
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	gp.stop()
	<-gp.done
	if err := gp.output.Close(); err != nil {
		p.logger.Warn("output close failed", slog.String("guild_id", guildID), slogError(err))
	}
	p.logger.Info("output detached", slog.String("guild_id", guildID))
	return true
}

func (p *Player) Attached(guildID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.guilds[guildID]
	return ok
}

// Enqueue implements synthesis.Sink.
func (p *Player) Enqueue(ctx context.Context, guildID string, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ProbeWAV(audio); err != nil {
		return err
	}

	p.mu.Lock()
	gp, ok := p.guilds[guildID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("guild %s: %w", guildID, synthesis.ErrSinkUnavailable)
	}
	if p.maxTracks > 0 && len(gp.tracks) >= p.maxTracks {
		p.mu.Unlock()
		return ErrTooManyTracks
	}
	gp.tracks = append(gp.tracks, audio)
	p.mu.Unlock()

	select {
	case gp.signal <- struct{}{}:
	default:
	}
	return nil
}

// Skip stops the track currently playing. It reports false when nothing was playing.
func (p *Player) Skip(guildID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	gp, ok := p.guilds[guildID]
	if !ok || gp.cancel == nil {
		return false
	}
	gp.cancel()
	gp.cancel = nil
	return true
}

// Stop drops queued tracks and stops the current one, returning how many were discarded.
func (p *Player) Stop(guildID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	gp, ok := p.guilds[guildID]
	if !ok {
		return 0
	}
	n := len(gp.tracks)
	gp.tracks = nil
	if gp.cancel != nil {
		gp.cancel()
		gp.cancel = nil
		n++
	}
	return n
}

func (p *Player) Playing(guildID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	gp, ok := p.guilds[guildID]
	return ok && gp.cancel != nil
}

func (p *Player) Queued(guildID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gp, ok := p.guilds[guildID]; ok {
		return len(gp.tracks)
	}
	return 0
}

// Close detaches every guild.
func (p *Player) Close() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.guilds))
	for id := range p.guilds {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Detach(id)
	}
	p.cancel()
}

func (p *Player) loop(guildID string, gp *guildPlayer) {
	defer close(gp.done)
	logger := p.logger.With(slog.String("guild_id", guildID))
	for {
		select {
		case <-gp.ctx.Done():
			return
		case <-gp.signal:
		}
		for {
			audio, ctx, ok := p.nextTrack(gp)
			if !ok {
				break
			}
			err := gp.output.Play(ctx, audio)
			p.finishTrack(gp)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				logger.Debug("track stopped")
			default:
				logger.Warn("track playback failed", slogError(err))
			}
			if gp.ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *Player) nextTrack(gp *guildPlayer) ([]byte, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(gp.tracks) == 0 || gp.ctx.Err() != nil {
		return nil, nil, false
	}
	audio := gp.tracks[0]
	gp.tracks[0] = nil
	gp.tracks = gp.tracks[1:]
	ctx, cancel := context.WithCancel(gp.ctx)
	gp.cancel = cancel
	return audio, ctx, true
}

func (p *Player) finishTrack(gp *guildPlayer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gp.cancel != nil {
		gp.cancel()
		gp.cancel = nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-voicebot/internal/protocol"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
	"github.com/loqalabs/loqa-voicebot/internal/voicevox"
)

var (
	ErrInvalidStyle = errors.New("control: style id must be numeric")
	ErrUnknownStyle = errors.New("control: unknown style id")
	ErrInvalidScope = errors.New("control: scope must be user or guild")
	ErrMissingGuild = errors.New("control: guild id required")
)

// StyleCatalog lists the styles the engine offers.
type StyleCatalog interface {
	Lookup(ctx context.Context, styleID string) (voicevox.StyleInfo, bool, error)
	Styles(ctx context.Context) ([]voicevox.StyleInfo, error)
}

// StylePreferences stores per-user and per-guild style choices.
type StylePreferences interface {
	ResolveStyle(ctx context.Context, userID, guildID, fallback string) (string, error)
	SetUserStyle(ctx context.Context, userID, styleID string) error
	SetGuildStyle(ctx context.Context, guildID, styleID string) error
}

type DispatcherOptions struct {
	Catalog      StyleCatalog
	Preferences  StylePreferences
	DefaultStyle string
	MaxTextRunes int
	Logger       *slog.Logger
}

// Dispatcher is the entry point chat, HTTP and bus front ends share.
type Dispatcher struct {
	sup          *synthesis.Supervisor
	catalog      StyleCatalog
	prefs        StylePreferences
	defaultStyle string
	maxRunes     int
	logger       *slog.Logger
}

func NewDispatcher(sup *synthesis.Supervisor, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	style := opts.DefaultStyle
	if style == "" {
		style = "3"
	}
	return &Dispatcher{
		sup:          sup,
		catalog:      opts.Catalog,
		prefs:        opts.Preferences,
		defaultStyle: style,
		maxRunes:     opts.MaxTextRunes,
		logger:       logger.With(slog.String("component", "dispatcher")),
	}
}

// SpeakInput is a request to read text aloud. An empty StyleID resolves the
// speaker's preference, then the guild's, then the default.
type SpeakInput struct {
	GuildID string
	UserID  string
	Text    string
	StyleID string
	Source  string
}

func (d *Dispatcher) Speak(ctx context.Context, in SpeakInput) (synthesis.Job, error) {
	if in.GuildID == "" {
		return synthesis.Job{}, ErrMissingGuild
	}
	text := synthesis.NormalizeText(in.Text, d.maxRunes)
	if text == "" {
		return synthesis.Job{}, synthesis.ErrEmptyText
	}

	style := in.StyleID
	if style == "" {
		style = d.resolveStyle(ctx, in.UserID, in.GuildID)
	} else if _, err := d.ValidateStyle(ctx, style); err != nil {
		return synthesis.Job{}, err
	}

	job := synthesis.NewJob(in.GuildID, text, style, in.Source)
	if err := d.sup.Submit(job); err != nil {
		return synthesis.Job{}, err
	}
	return job, nil
}

func (d *Dispatcher) resolveStyle(ctx context.Context, userID, guildID string) string {
	if d.prefs == nil {
		return d.defaultStyle
	}
	style, err := d.prefs.ResolveStyle(ctx, userID, guildID, d.defaultStyle)
	if err != nil {
		d.logger.Warn("style lookup failed, using default", slog.String("guild_id", guildID), slogError(err))
		return d.defaultStyle
	}
	return style
}

// ValidateStyle checks styleID against the engine's listing. When the listing
// cannot be fetched the ID is accepted and the engine rejects it later.
func (d *Dispatcher) ValidateStyle(ctx context.Context, styleID string) (voicevox.StyleInfo, error) {
	id, err := strconv.Atoi(styleID)
	if err != nil || id < 0 {
		return voicevox.StyleInfo{}, ErrInvalidStyle
	}
	if d.catalog == nil {
		return voicevox.StyleInfo{ID: id}, nil
	}
	info, ok, err := d.catalog.Lookup(ctx, styleID)
	if err != nil {
		d.logger.Debug("style listing unavailable", slogError(err))
		return voicevox.StyleInfo{ID: id}, nil
	}
	if !ok {
		return voicevox.StyleInfo{}, fmt.Errorf("%w: %s", ErrUnknownStyle, styleID)
	}
	return info, nil
}

// SetStyle stores a style preference for a user or a whole guild.
func (d *Dispatcher) SetStyle(ctx context.Context, scope, id, styleID string) (voicevox.StyleInfo, error) {
	info, err := d.ValidateStyle(ctx, styleID)
	if err != nil {
		return info, err
	}
	if d.prefs == nil {
		return info, errors.New("control: style preferences unavailable")
	}
	switch scope {
	case "user":
		err = d.prefs.SetUserStyle(ctx, id, styleID)
	case "guild":
		err = d.prefs.SetGuildStyle(ctx, id, styleID)
	default:
		return info, ErrInvalidScope
	}
	return info, err
}

// StyleFor reports the style a user would currently be read with.
func (d *Dispatcher) StyleFor(ctx context.Context, userID, guildID string) string {
	return d.resolveStyle(ctx, userID, guildID)
}

func (d *Dispatcher) Styles(ctx context.Context) ([]voicevox.StyleInfo, error) {
	if d.catalog == nil {
		return nil, errors.New("control: style catalog unavailable")
	}
	return d.catalog.Styles(ctx)
}

func (d *Dispatcher) Skip(guildID string) synthesis.SkipResult { return d.sup.Skip(guildID) }

func (d *Dispatcher) Clear(guildID string) int { return d.sup.Clear(guildID) }

// Leave clears the guild and forgets its queue state.
func (d *Dispatcher) Leave(guildID string) int { return d.sup.Evict(guildID) }

// Status describes what the guild is doing.
func (d *Dispatcher) Status(guildID string) protocol.ControlReply {
	q := d.sup.Queue()
	reply := protocol.ControlReply{GuildID: guildID, Action: protocol.ActionQueue, Running: q.Running(guildID)}
	if active, ok := q.ActiveJobID(guildID); ok {
		reply.Active = active
	}
	for _, job := range q.Pending(guildID) {
		reply.Pending = append(reply.Pending, protocol.QueuedJob{
			JobID:      job.ID,
			Text:       job.Text,
			StyleID:    job.StyleID,
			Source:     job.Source,
			EnqueuedAt: job.EnqueuedAt,
		})
	}
	return reply
}

// Handle executes a control request.
func (d *Dispatcher) Handle(req protocol.ControlRequest) protocol.ControlReply {
	if req.GuildID == "" {
		return protocol.ControlReply{Action: req.Action, Error: ErrMissingGuild.Error()}
	}
	switch req.Action {
	case protocol.ActionSkip:
		res := d.Skip(req.GuildID)
		return protocol.ControlReply{GuildID: req.GuildID, Action: req.Action, Skipped: res.String(), Running: d.sup.Running(req.GuildID)}
	case protocol.ActionClear:
		dropped := d.Clear(req.GuildID)
		return protocol.ControlReply{GuildID: req.GuildID, Action: req.Action, Dropped: dropped, Running: d.sup.Running(req.GuildID)}
	case protocol.ActionQueue:
		return d.Status(req.GuildID)
	default:
		return protocol.ControlReply{GuildID: req.GuildID, Action: req.Action, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicebot/internal/control"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

const maxMessageLen = 1900

const helpText = "Commands:\n" +
	"`join` read this channel aloud in your voice channel\n" +
	"`leave` stop reading and disconnect\n" +
	"`skip` skip the message being read\n" +
	"`clear` drop everything waiting to be read\n" +
	"`styles` list the available voices\n" +
	"`style` show the voice you are read with\n" +
	"`setstyle [user|guild] <id>` choose a voice"

func parseCommand(prefix, content string) (string, []string, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (b *Bot) runCommand(msg message, cmd string, args []string) {
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	logger := b.logger.With(slog.String("guild_id", msg.GuildID), slog.String("command", cmd))
	var out string
	switch cmd {
	case "join":
		out = b.cmdJoin(msg)
	case "leave":
		if b.leave(msg.GuildID) {
			out = "Disconnected."
		} else {
			out = "Not connected."
		}
	case "skip":
		switch b.dispatcher.Skip(msg.GuildID) {
		case synthesis.SkipNothing:
			out = "Nothing to skip."
		default:
			out = "Skipped."
		}
	case "clear":
		out = fmt.Sprintf("Cleared %d pending message(s).", b.dispatcher.Clear(msg.GuildID))
	case "styles":
		b.cmdStyles(ctx, msg)
		return
	case "style":
		style := b.dispatcher.StyleFor(ctx, msg.AuthorID, msg.GuildID)
		out = "Your voice: " + b.describeStyle(ctx, style)
	case "setstyle":
		out = b.cmdSetStyle(ctx, msg, args)
	case "help":
		out = helpText
	default:
		return
	}
	logger.Debug("command handled")
	b.reply(msg.ChannelID, out)
}

func (b *Bot) cmdJoin(msg message) string {
	voiceID, err := b.voiceChannelOf(msg.GuildID, msg.AuthorID)
	if err != nil {
		return "Join a voice channel first."
	}

	b.mu.Lock()
	bd, ok := b.bindings[msg.GuildID]
	if ok && bd.voiceChannelID == voiceID {
		bd.textChannelID = msg.ChannelID
		b.mu.Unlock()
		return "Now reading this channel."
	}
	b.mu.Unlock()

	if ok {
		b.leave(msg.GuildID)
	}
	if err := b.bind(msg.GuildID, voiceID, msg.ChannelID); err != nil {
		b.logger.Error("failed to join voice", slog.String("guild_id", msg.GuildID), slogError(err))
		return "Could not join the voice channel."
	}
	return "Joined. Reading this channel."
}

func (b *Bot) cmdStyles(ctx context.Context, msg message) {
	styles, err := b.dispatcher.Styles(ctx)
	if err != nil {
		b.logger.Warn("style listing failed", slogError(err))
		b.reply(msg.ChannelID, "The voice list is unavailable right now.")
		return
	}
	var chunk strings.Builder
	for _, st := range styles {
		line := fmt.Sprintf("%d: %s (%s)\n", st.ID, st.Speaker, st.Style)
		if chunk.Len()+len(line) > maxMessageLen {
			b.reply(msg.ChannelID, chunk.String())
			chunk.Reset()
		}
		chunk.WriteString(line)
	}
	if chunk.Len() > 0 {
		b.reply(msg.ChannelID, chunk.String())
	}
}

func (b *Bot) cmdSetStyle(ctx context.Context, msg message, args []string) string {
	scope, styleID := "user", ""
	switch len(args) {
	case 1:
		styleID = args[0]
	case 2:
		scope, styleID = strings.ToLower(args[0]), args[1]
	default:
		return "Usage: setstyle [user|guild] <id>"
	}
	id := msg.AuthorID
	if scope == "guild" {
		id = msg.GuildID
	}
	info, err := b.dispatcher.SetStyle(ctx, scope, id, styleID)
	switch {
	case errors.Is(err, control.ErrInvalidStyle), errors.Is(err, control.ErrUnknownStyle):
		return "Unknown voice " + styleID + ". See `styles`."
	case errors.Is(err, control.ErrInvalidScope):
		return "Scope must be user or guild."
	case err != nil:
		b.logger.Error("failed to store style", slog.String("guild_id", msg.GuildID), slogError(err))
		return "Could not save the voice."
	}
	name := styleID
	if info.Speaker != "" {
		name = fmt.Sprintf("%s (%s)", info.Speaker, info.Style)
	}
	if scope == "guild" {
		return "Server voice set to " + name + "."
	}
	return "Your voice set to " + name + "."
}

func (b *Bot) describeStyle(ctx context.Context, styleID string) string {
	info, err := b.dispatcher.ValidateStyle(ctx, styleID)
	if err != nil || info.Speaker == "" {
		return styleID
	}
	return fmt.Sprintf("%d: %s (%s)", info.ID, info.Speaker, info.Style)
}

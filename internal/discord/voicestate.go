package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/loqalabs/loqa-voicebot/internal/control"
)

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil {
		return
	}
	var before string
	if vs.BeforeUpdate != nil {
		before = vs.BeforeUpdate.ChannelID
	}
	if s.State.User != nil && vs.UserID == s.State.User.ID {
		// kicked or moved out by someone else
		if vs.ChannelID == "" {
			b.leave(vs.GuildID)
		}
		return
	}
	member := vs.Member
	if member == nil {
		member, _ = s.State.Member(vs.GuildID, vs.UserID)
	}
	if member != nil && member.User != nil && member.User.Bot {
		return
	}
	name := ""
	if member != nil {
		name = displayName(member)
	}
	b.voiceChanged(vs.GuildID, name, before, vs.ChannelID, func(channelID string) int {
		return humansIn(s.State, vs.GuildID, channelID)
	})
}

// voiceChanged announces arrivals and departures in the bot's channel and leaves
// once no listeners remain.
func (b *Bot) voiceChanged(guildID, name, before, after string, listeners func(channelID string) int) {
	if before == after {
		return
	}
	b.mu.Lock()
	bd, ok := b.bindings[guildID]
	var voiceID, textID string
	if ok {
		voiceID, textID = bd.voiceChannelID, bd.textChannelID
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	switch voiceID {
	case after:
		if name != "" {
			b.announce(guildID, name+"さんが参加しました。")
		}
	case before:
		if listeners(voiceID) == 0 {
			b.leave(guildID)
			b.reply(textID, "Everyone left, disconnecting.")
			return
		}
		if name != "" {
			b.announce(guildID, name+"さんが退出しました。")
		}
	}
}

func (b *Bot) announce(guildID, text string) {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	_, err := b.dispatcher.Speak(ctx, control.SpeakInput{GuildID: guildID, Text: text, Source: "announce"})
	if err != nil {
		b.logger.Info("announcement not queued", slog.String("guild_id", guildID), slogError(err))
	}
}

func humansIn(state *discordgo.State, guildID, channelID string) int {
	guild, err := state.Guild(guildID)
	if err != nil {
		return 0
	}
	state.RLock()
	var users []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			users = append(users, vs.UserID)
		}
	}
	var self string
	if state.User != nil {
		self = state.User.ID
	}
	state.RUnlock()

	n := 0
	for _, id := range users {
		if id == self {
			continue
		}
		if m, err := state.Member(guildID, id); err == nil && m.User != nil && m.User.Bot {
			continue
		}
		n++
	}
	return n
}

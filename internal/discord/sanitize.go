package discord

import (
	"regexp"

	"github.com/bwmarrin/discordgo"
)

var (
	userMention    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMention = regexp.MustCompile(`<#(\d+)>`)
	roleMention    = regexp.MustCompile(`<@&(\d+)>`)
	customEmoji    = regexp.MustCompile(`<a?:(\w+):\d+>`)
)

// resolver maps snowflakes to the names a listener would recognise.
type resolver interface {
	UserName(guildID, userID string) (string, bool)
	ChannelName(channelID string) (string, bool)
	RoleName(guildID, roleID string) (string, bool)
}

// sanitize rewrites chat markup into something worth reading aloud. Links are left
// to synthesis.NormalizeText.
func sanitize(content, guildID string, names resolver) string {
	content = roleMention.ReplaceAllStringFunc(content, func(m string) string {
		id := roleMention.FindStringSubmatch(m)[1]
		if name, ok := names.RoleName(guildID, id); ok {
			return name
		}
		return ""
	})
	content = userMention.ReplaceAllStringFunc(content, func(m string) string {
		id := userMention.FindStringSubmatch(m)[1]
		if name, ok := names.UserName(guildID, id); ok {
			return name
		}
		return ""
	})
	content = channelMention.ReplaceAllStringFunc(content, func(m string) string {
		id := channelMention.FindStringSubmatch(m)[1]
		if name, ok := names.ChannelName(id); ok {
			return name
		}
		return ""
	})
	return customEmoji.ReplaceAllString(content, "$1")
}

type noNames struct{}

func (noNames) UserName(string, string) (string, bool) { return "", false }
func (noNames) ChannelName(string) (string, bool)      { return "", false }
func (noNames) RoleName(string, string) (string, bool) { return "", false }

// stateResolver reads names from the gateway state cache.
type stateResolver struct {
	state *discordgo.State
}

func (r stateResolver) UserName(guildID, userID string) (string, bool) {
	member, err := r.state.Member(guildID, userID)
	if err != nil || member == nil {
		return "", false
	}
	return displayName(member), true
}

func (r stateResolver) ChannelName(channelID string) (string, bool) {
	ch, err := r.state.Channel(channelID)
	if err != nil || ch == nil {
		return "", false
	}
	return ch.Name, true
}

func (r stateResolver) RoleName(guildID, roleID string) (string, bool) {
	role, err := r.state.Role(guildID, roleID)
	if err != nil || role == nil {
		return "", false
	}
	return role.Name, true
}

func displayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User == nil {
		return ""
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}

package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/loqalabs/loqa-voicebot/internal/config"
	"github.com/loqalabs/loqa-voicebot/internal/control"
	"github.com/loqalabs/loqa-voicebot/internal/playback"
)

var ErrNotInVoice = errors.New("discord: user is not in a voice channel")

// OutputFactory opens the audio output for a guild's voice channel.
type OutputFactory func(guildID, channelID string) (playback.Output, error)

type binding struct {
	voiceChannelID string
	textChannelID  string
	credited       map[string]bool
}

// Bot reads a text channel aloud in the voice channel it was summoned to.
type Bot struct {
	cfg        config.DiscordConfig
	session    *discordgo.Session
	dispatcher *control.Dispatcher
	player     *playback.Player
	openOutput OutputFactory
	logger     *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding

	send           func(channelID, content string) error
	voiceChannelOf func(guildID, userID string) (string, error)
	names          resolver
	ctx            context.Context
	cancel         context.CancelFunc
}

func New(parent context.Context, cfg config.DiscordConfig, dispatcher *control.Dispatcher, player *playback.Player, logger *slog.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildVoiceStates |
		discordgo.IntentGuildMembers |
		discordgo.IntentMessageContent

	b := newBot(parent, cfg, dispatcher, player, logger)
	b.session = session
	b.send = func(channelID, content string) error {
		_, err := session.ChannelMessageSend(channelID, content)
		return err
	}
	b.voiceChannelOf = func(guildID, userID string) (string, error) {
		vs, err := session.State.VoiceState(guildID, userID)
		if err != nil || vs == nil || vs.ChannelID == "" {
			return "", ErrNotInVoice
		}
		return vs.ChannelID, nil
	}
	b.names = stateResolver{state: session.State}
	return b, nil
}

func newBot(parent context.Context, cfg config.DiscordConfig, dispatcher *control.Dispatcher, player *playback.Player, logger *slog.Logger) *Bot {
	ctx, cancel := context.WithCancel(parent)
	return &Bot{
		cfg:        cfg,
		dispatcher: dispatcher,
		player:     player,
		logger:     logger.With(slog.String("component", "discord")),
		bindings:   make(map[string]*binding),
		names:      noNames{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetOutputFactory chooses where joined guilds send audio.
func (b *Bot) SetOutputFactory(f OutputFactory) { b.openOutput = f }

// VoiceOutputFactory joins the voice channel and streams through the encoder command.
func (b *Bot) VoiceOutputFactory(encoderCommand string) OutputFactory {
	return func(guildID, channelID string) (playback.Output, error) {
		vc, err := b.session.ChannelVoiceJoin(guildID, channelID, false, true)
		if err != nil {
			return nil, fmt.Errorf("join voice channel: %w", err)
		}
		out, err := playback.NewDiscordOutput(encoderCommand, voiceSender{vc: vc}, b.logger)
		if err != nil {
			_ = vc.Disconnect()
			return nil, err
		}
		return &voiceOutput{DiscordOutput: out, vc: vc}, nil
	}
}

func (b *Bot) Start() error {
	if b.openOutput == nil {
		return errors.New("discord: no output factory configured")
	}
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onVoiceStateUpdate)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

func (b *Bot) Close() error {
	b.cancel()
	b.mu.Lock()
	guilds := make([]string, 0, len(b.bindings))
	for id := range b.bindings {
		guilds = append(guilds, id)
	}
	b.mu.Unlock()
	for _, id := range guilds {
		b.leave(id)
	}
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

func (b *Bot) Healthy() bool {
	return b.session != nil && b.session.DataReady
}

// Joined reports the voice and text channel a guild is bound to.
func (b *Bot) Joined(guildID string) (voiceChannelID, textChannelID string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bindings[guildID]
	if !ok {
		return "", "", false
	}
	return bd.voiceChannelID, bd.textChannelID, true
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	b.logger.Info("discord session ready", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	b.handleMessage(message{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Content:   m.Content,
	})
}

type message struct {
	GuildID   string
	ChannelID string
	AuthorID  string
	Content   string
}

func (b *Bot) handleMessage(msg message) {
	if cmd, args, ok := parseCommand(b.cfg.CommandPrefix, msg.Content); ok {
		b.runCommand(msg, cmd, args)
		return
	}

	b.mu.Lock()
	bd, ok := b.bindings[msg.GuildID]
	active := ok && bd.textChannelID == msg.ChannelID
	b.mu.Unlock()
	if !active {
		return
	}

	text := sanitize(msg.Content, msg.GuildID, b.names)
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	job, err := b.dispatcher.Speak(ctx, control.SpeakInput{
		GuildID: msg.GuildID,
		UserID:  msg.AuthorID,
		Text:    text,
		Source:  "discord",
	})
	if err != nil {
		b.logger.Info("message not queued", slog.String("guild_id", msg.GuildID), slogError(err))
		return
	}
	b.creditOnce(ctx, msg.GuildID, job.StyleID)
}

// creditOnce posts the "VOICEVOX:<name>" attribution the first time a style is used
// after joining.
func (b *Bot) creditOnce(ctx context.Context, guildID, styleID string) {
	b.mu.Lock()
	bd, ok := b.bindings[guildID]
	if !ok || bd.credited[styleID] {
		b.mu.Unlock()
		return
	}
	bd.credited[styleID] = true
	channel := bd.textChannelID
	b.mu.Unlock()

	info, err := b.dispatcher.ValidateStyle(ctx, styleID)
	if err != nil || info.Credit == "" {
		b.mu.Lock()
		delete(bd.credited, styleID)
		b.mu.Unlock()
		return
	}
	b.reply(channel, "VOICEVOX:"+info.Credit)
}

func (b *Bot) bind(guildID, voiceChannelID, textChannelID string) error {
	out, err := b.openOutput(guildID, voiceChannelID)
	if err != nil {
		return err
	}
	b.player.Attach(guildID, out)
	b.mu.Lock()
	b.bindings[guildID] = &binding{
		voiceChannelID: voiceChannelID,
		textChannelID:  textChannelID,
		credited:       make(map[string]bool),
	}
	b.mu.Unlock()
	b.logger.Info("joined voice channel",
		slog.String("guild_id", guildID),
		slog.String("voice_channel", voiceChannelID),
		slog.String("text_channel", textChannelID))
	return nil
}

func (b *Bot) leave(guildID string) bool {
	b.mu.Lock()
	_, ok := b.bindings[guildID]
	delete(b.bindings, guildID)
	b.mu.Unlock()

	dropped := b.dispatcher.Leave(guildID)
	b.player.Detach(guildID)
	if ok {
		b.logger.Info("left voice channel", slog.String("guild_id", guildID), slog.Int("dropped", dropped))
	}
	return ok
}

func (b *Bot) reply(channelID, content string) {
	if b.send == nil {
		return
	}
	if err := b.send(channelID, content); err != nil {
		b.logger.Warn("failed to send message", slog.String("channel", channelID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

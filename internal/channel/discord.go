package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"grove/internal/config"
	"grove/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000

	// Text attachments larger than this are ignored rather than truncated
	// mid-word into the prompt.
	maxAttachmentBytes = 64 * 1024
)

// Discord implements domain.Channel for Discord guilds and DMs.
type Discord struct {
	token   string
	guildID string
	admins  config.FlexStringList
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
	client  *http.Client

	mu      sync.Mutex
	pending map[string]pendingReply
}

// pendingReply tracks a deferred slash-command interaction awaiting its
// followup. Interaction tokens expire; stale entries are discarded.
type pendingReply struct {
	interaction *discordgo.Interaction
	created     time.Time
}

const interactionTokenTTL = 15 * time.Minute

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Admins  config.FlexStringList
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		admins:  cfg.Admins,
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: 15 * time.Second},
		pending: make(map[string]pendingReply),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session

	// Chunks stream out as separate messages. The final content of a
	// successful generation duplicates text already streamed, so only
	// handler-less content (command replies, failure notices) is sent whole.
	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if ev := msg.StreamEvent; ev != nil {
			if ev.Type != domain.StreamChunk || ev.Content == "" {
				return
			}
			text := ev.Content
			if ev.Seq == 0 && msg.HandlerID != "" {
				text = "[" + msg.HandlerID + "] " + text
			}
			d.sendMessage(msg.ChannelID, text)
			return
		}
		if msg.Content == "" || msg.HandlerID != "" {
			return
		}
		d.sendMessage(msg.ChannelID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Ignore bot's own messages.
		if m.Author.ID == s.State.User.ID {
			return
		}
		if m.Author.Bot {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		d.logger.Debug("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"attachments", len(m.Attachments),
		)

		bus.Publish(d.inbound(s, m))
	})

	// Slash commands are rewritten to their text form and go through the
	// same pipeline as typed commands.
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		body := "/" + data.Name
		for _, opt := range data.Options {
			if opt.Type == discordgo.ApplicationCommandOptionString {
				body += " " + opt.StringValue()
			}
		}

		// Defer so Discord shows "thinking…"; the pipeline's first reply to
		// this channel resolves the deferral via a followup message.
		s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		})
		d.storePending(i.ChannelID, i.Interaction)

		user := i.User
		admin := false
		if user == nil && i.Member != nil {
			user = i.Member.User
			admin = i.Member.Permissions&discordgo.PermissionManageMessages != 0
		}
		if user == nil {
			return
		}

		bus.Publish(domain.InboundMessage{
			Transport:  "discord",
			ID:         i.ID,
			ChannelID:  i.ChannelID,
			AuthorID:   user.ID,
			AuthorName: user.Username,
			Body:       body,
			IsAdmin:    admin || d.admins.Contains(user.ID),
			Timestamp:  time.Now().UTC(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// inbound converts a gateway message to the transport-neutral form.
func (d *Discord) inbound(s *discordgo.Session, m *discordgo.MessageCreate) domain.InboundMessage {
	mentions := false
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			mentions = true
			break
		}
	}

	name := m.Author.Username
	if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}

	msg := domain.InboundMessage{
		Transport:   "discord",
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.Author.ID,
		AuthorName:  name,
		Body:        m.Content,
		Attachments: d.collectAttachments(m.Attachments),
		IsDM:        m.GuildID == "",
		MentionsBot: mentions,
		IsAdmin:     d.isAdmin(s, m),
		Timestamp:   m.Timestamp,
	}

	if ch, err := s.State.Channel(m.ChannelID); err == nil {
		msg.ChannelName = ch.Name
	}
	if m.GuildID != "" {
		if g, err := s.State.Guild(m.GuildID); err == nil {
			msg.ServerName = g.Name
		}
	}
	return msg
}

// isAdmin grants admin either by the configured user list or by holding
// Manage Messages in the channel.
func (d *Discord) isAdmin(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if d.admins.Contains(m.Author.ID) {
		return true
	}
	if m.GuildID == "" {
		return false
	}
	perms, err := s.State.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionManageMessages != 0
}

// collectAttachments classifies attachments by content type. Text files are
// fetched so their content travels with the message; images keep only their
// kind, routing decides whether a vision handler sees them.
func (d *Discord) collectAttachments(atts []*discordgo.MessageAttachment) []domain.Attachment {
	var out []domain.Attachment
	for _, att := range atts {
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			out = append(out, domain.Attachment{Kind: domain.AttachmentImage})
		case strings.HasPrefix(att.ContentType, "text/") || hasTextExtension(att.Filename):
			if att.Size > maxAttachmentBytes {
				d.logger.Warn("text attachment too large, skipping",
					"file", att.Filename, "size", att.Size)
				continue
			}
			text, err := d.fetchText(att.URL)
			if err != nil {
				d.logger.Warn("attachment fetch failed", "file", att.Filename, "err", err)
				continue
			}
			out = append(out, domain.Attachment{Kind: domain.AttachmentText, ExtractedText: text})
		}
	}
	return out
}

func (d *Discord) fetchText(url string) (string, error) {
	resp, err := d.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func hasTextExtension(name string) bool {
	for _, ext := range []string{".txt", ".md", ".log", ".csv", ".json", ".yaml", ".yml"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return true
		}
	}
	return false
}

func (d *Discord) storePending(channelID string, interaction *discordgo.Interaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[channelID] = pendingReply{interaction: interaction, created: time.Now()}
}

// takePending consumes the deferred interaction for a channel, if any is
// still within its token lifetime.
func (d *Discord) takePending(channelID string) *discordgo.Interaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[channelID]
	if !ok {
		return nil
	}
	delete(d.pending, channelID)
	if time.Since(p.created) > interactionTokenTTL {
		return nil
	}
	return p.interaction
}

func (d *Discord) sendMessage(channelID, content string) {
	// Split long messages.
	chunks := splitMessage(content, discordMaxMsgLen)

	// A deferred slash command shows "thinking…" until a followup lands, so
	// the first chunk rides the interaction when one is waiting.
	if interaction := d.takePending(channelID); interaction != nil {
		_, err := d.session.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{
			Content: chunks[0],
		})
		if err == nil {
			chunks = chunks[1:]
		} else {
			d.logger.Warn("discord followup failed, falling back", "channel", channelID, "err", err)
		}
	}

	for _, chunk := range chunks {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "reroll",
			Description: "Regenerate the last response in this channel",
		},
		{
			Name:        "handlers",
			Description: "List the registered handlers",
		},
		{
			Name:        "getcontext",
			Description: "Show this channel's context window and router mode",
		},
		{
			Name:        "status",
			Description: "Show bot status",
		},
		{
			Name:        "help",
			Description: "Show available commands",
		},
	}

	guildID := d.guildID // empty = global commands
	for _, cmd := range commands {
		_, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, guildID, cmd)
		if err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"grove/internal/config"
	"grove/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for the Telegram Bot API. Responses
// stream by editing one message in place as chunks arrive.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	admins    config.FlexStringList
	parseMode string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
	client *http.Client

	// streams tracks the in-progress response message per chat.
	streams   map[string]*tgStream
	streamsMu sync.Mutex
}

type tgStream struct {
	messageID int
	text      string
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	Admins    config.FlexStringList
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		admins:    cfg.Admins,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
		client:    &http.Client{Timeout: 15 * time.Second},
		streams:   make(map[string]*tgStream),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", t.handleOutbound)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// handleOutbound delivers engine output. The first chunk of a generation
// creates a message; later chunks append by editing it. The final content
// does one last edit so the message matches what was recorded, then drops
// the stream state.
func (t *Telegram) handleOutbound(msg domain.OutboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChannelID, "err", err)
		return
	}

	if ev := msg.StreamEvent; ev != nil {
		if ev.Type != domain.StreamChunk || ev.Content == "" {
			return
		}
		t.streamChunk(msg.ChannelID, chatID, msg.HandlerID, ev)
		return
	}

	if msg.Content == "" {
		return
	}

	if msg.HandlerID != "" {
		// Final form of a streamed response.
		t.finishStream(msg.ChannelID, chatID, msg.HandlerID, msg.Content)
		return
	}

	t.sendMessage(chatID, msg.Content)
}

func (t *Telegram) streamChunk(key string, chatID int64, handlerID string, ev *domain.StreamEvent) {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()

	st := t.streams[key]
	if ev.Seq == 0 || st == nil {
		text := ev.Content
		if handlerID != "" {
			text = "[" + handlerID + "] " + text
		}
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			t.logger.Warn("telegram stream open failed", "err", err)
			return
		}
		t.streams[key] = &tgStream{messageID: sent.MessageID, text: text}
		return
	}

	st.text += " " + ev.Content
	if len(st.text) > telegramMaxMsgLen {
		// Too long to keep editing; continue in a fresh message.
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, ev.Content))
		if err == nil {
			t.streams[key] = &tgStream{messageID: sent.MessageID, text: ev.Content}
		}
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, st.messageID, st.text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Debug("telegram stream edit failed", "err", err)
	}
}

func (t *Telegram) finishStream(key string, chatID int64, handlerID, content string) {
	t.streamsMu.Lock()
	st := t.streams[key]
	delete(t.streams, key)
	t.streamsMu.Unlock()

	text := "[" + handlerID + "] " + content
	if st == nil {
		t.sendMessage(chatID, text)
		return
	}
	if len(text) > telegramMaxMsgLen {
		return // chunks already delivered everything
	}
	edit := tgbotapi.NewEditMessageText(chatID, st.messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Debug("telegram final edit failed", "err", err)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	m := update.Message

	userID := m.From.ID
	chatID := m.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", m.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" && m.Caption != "" {
		text = strings.TrimSpace(m.Caption)
	}
	atts := t.collectAttachments(m)
	if text == "" && len(atts) == 0 {
		return
	}

	t.logger.Debug("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	if !m.IsCommand() {
		typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
		_, _ = t.bot.Send(typing)
	}

	name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if name == "" {
		name = m.From.UserName
	}

	uid := strconv.FormatInt(userID, 10)
	t.bus.Publish(domain.InboundMessage{
		Transport:   "telegram",
		ID:          fmt.Sprintf("%d:%d", chatID, m.MessageID),
		ChannelID:   strconv.FormatInt(chatID, 10),
		AuthorID:    uid,
		AuthorName:  name,
		Body:        text,
		Attachments: atts,
		IsDM:        m.Chat.IsPrivate(),
		MentionsBot: strings.Contains(text, "@"+t.bot.Self.UserName),
		IsAdmin:     t.admins.Contains(uid),
		ChannelName: m.Chat.Title,
		Timestamp:   time.Unix(int64(m.Date), 0).UTC(),
	})
}

func (t *Telegram) collectAttachments(m *tgbotapi.Message) []domain.Attachment {
	var out []domain.Attachment
	if len(m.Photo) > 0 {
		out = append(out, domain.Attachment{Kind: domain.AttachmentImage})
	}
	if doc := m.Document; doc != nil {
		switch {
		case strings.HasPrefix(doc.MimeType, "image/"):
			out = append(out, domain.Attachment{Kind: domain.AttachmentImage})
		case strings.HasPrefix(doc.MimeType, "text/") || hasTextExtension(doc.FileName):
			if doc.FileSize > maxAttachmentBytes {
				t.logger.Warn("text attachment too large, skipping",
					"file", doc.FileName, "size", doc.FileSize)
				break
			}
			text, err := t.fetchDocument(doc.FileID)
			if err != nil {
				t.logger.Warn("attachment fetch failed", "file", doc.FileName, "err", err)
				break
			}
			out = append(out, domain.Attachment{Kind: domain.AttachmentText, ExtractedText: text})
		}
	}
	return out
}

func (t *Telegram) fetchDocument(fileID string) (string, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Get(url)
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

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram has a 4096 char limit per message
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Strategy: try the configured parse mode first, fall back to plain text on
// parse errors, back off on 429.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}

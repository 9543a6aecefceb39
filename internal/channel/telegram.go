package channel

import (
	"context"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/leasebroker/internal/bus"
	"github.com/stellarlinkco/leasebroker/internal/config"
)

const (
	telegramChannelName = "telegram"
	telegramMaxLen      = 4000
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel posts negotiation outcomes to an operator chat and accepts
// slash commands from allowed users.
type TelegramChannel struct {
	BaseChannel
	token      string
	chatID     int64
	verbose    bool
	bot        TelegramBot
	proxy      string
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		chatID:      cfg.ChatID,
		verbose:     cfg.Verbose,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

// handleMessage forwards slash commands; anything else is ignored.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(content, "/") {
		return
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   content,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	text := html.EscapeString(msg.Content)
	if msg.Event != nil {
		if !msg.Event.Final() && !t.verbose {
			return nil
		}
		text = formatEvent(*msg.Event)
	}

	chatID := t.chatID
	if msg.ChatID != "" {
		parsed, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
		}
		chatID = parsed
	}
	if chatID == 0 {
		return fmt.Errorf("no telegram chat configured")
	}

	for _, chunk := range splitMessage(text, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// formatEvent renders one negotiation event as Telegram HTML.
func formatEvent(ev bus.NegotiationEvent) string {
	var sb strings.Builder
	if ev.Final() {
		fmt.Fprintf(&sb, "<b>Negotiation %s %s</b>\n", html.EscapeString(ev.SessionID), ev.Status)
		fmt.Fprintf(&sb, "seeker %s, listing %s, owner %s\n",
			html.EscapeString(ev.SeekerID), html.EscapeString(ev.ListingID), html.EscapeString(ev.OwnerID))
		fmt.Fprintf(&sb, "match score %.0f, %d messages", ev.Score, ev.Messages)
		if ev.Reason != "" {
			fmt.Fprintf(&sb, "\nreason: <code>%s</code>", html.EscapeString(ev.Reason))
		}
		return sb.String()
	}
	fmt.Fprintf(&sb, "<b>%s</b> #%d <i>%s</i>\n%s",
		html.EscapeString(ev.SessionID), ev.Seq, ev.Role, html.EscapeString(ev.Content))
	return sb.String()
}

// splitMessage cuts s into pieces of at most max bytes, preferring newlines.
func splitMessage(s string, max int) []string {
	var out []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > max {
			if idx := strings.LastIndex(chunk[:max], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:max]
			}
		}
		out = append(out, chunk)
		s = strings.TrimPrefix(s[len(chunk):], "\n")
	}
	return out
}

package channels

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/mymmrac/telego"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/config"
	"github.com/tinyland-inc/meshgram/pkg/logger"
)

// TelegramChannel long-polls the Telegram Bot API and publishes every
// accepted message onto the event bus. Only the configured chat is
// bridged; when no chat id is configured yet, the first inbound message
// claims it and the id is persisted.
type TelegramChannel struct {
	bot     *telego.Bot
	store   *config.Store
	bus     *bus.EventBus
	running atomic.Bool
	cancel  context.CancelFunc
}

func NewTelegramChannel(store *config.Store, b *bus.EventBus) (*TelegramChannel, error) {
	cfg := store.Current()
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	bot, err := telego.NewBot(cfg.TelegramToken, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot, store: store, bus: b}, nil
}

func (c *TelegramChannel) Name() string {
	return "telegram"
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	timeout := c.store.Current().TelegramTimeout
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: timeout,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("starting long polling: %w", err)
	}
	c.running.Store(true)

	go func() {
		defer c.running.Store(false)
		for update := range updates {
			c.handleUpdate(pollCtx, update)
		}
	}()

	logger.InfoCF("telegram", "Long polling started", map[string]any{"timeout": timeout})
	return nil
}

func (c *TelegramChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *TelegramChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	cfg := c.store.Current()
	if cfg.TelegramChatID == "" {
		// First message wins the bridge.
		if err := c.store.SaveChatID(chatID); err != nil {
			logger.ErrorCF("telegram", "Failed to persist chat id", map[string]any{"error": err.Error()})
		}
	} else if cfg.TelegramChatID != chatID {
		logger.DebugCF("telegram", "Message from foreign chat ignored", map[string]any{"chat_id": chatID})
		return
	}

	sender := ""
	if msg.From != nil {
		sender = msg.From.Username
		if sender == "" {
			sender = msg.From.FirstName
		}
	}
	replyTo := ""
	if msg.ReplyToMessage != nil {
		replyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	err := c.bus.PublishChat(ctx, bus.ChatMessage{
		ChatID:    chatID,
		MessageID: strconv.Itoa(msg.MessageID),
		Sender:    sender,
		Text:      msg.Text,
		ReplyToID: replyTo,
	})
	if err != nil {
		logger.WarnCF("telegram", "Inbound message dropped", map[string]any{"error": err.Error()})
	}
}

// Send delivers msg to the bridged chat and returns the new Telegram
// message id for reply correlation.
func (c *TelegramChannel) Send(ctx context.Context, msg Outbound) (string, error) {
	cfg := c.store.Current()
	if cfg.TelegramChatID == "" {
		return "", fmt.Errorf("no chat bound yet: message the bot once to claim the bridge")
	}
	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("chat id %q is not numeric: %w", cfg.TelegramChatID, err)
	}

	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   msg.Text,
	}
	if msg.ReplyToID != "" {
		if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("sending telegram message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

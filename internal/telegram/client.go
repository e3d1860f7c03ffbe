// Package telegram forwards aggregated notifications to a Telegram chat and answers bot commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/auctionsync/internal/backoff"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/shopspring/decimal"
)

// CommandHandler answers remote commands.
type CommandHandler interface {
	// StatusText returns a plain-text summary of the watched auction.
	StatusText() string
	// Bid submits amount for the watched auction.
	Bid(ctx context.Context, amount decimal.Decimal) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot        sender
	api        *tgbotapi.BotAPI
	chatID     int64
	maxRetries int
	retry      backoff.Strategy
	clock      clock.Clock
	queue      chan models.NotificationItem
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, queueSize int) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase, queueSize, nil)
	c.api = bot
	return c, nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration, queueSize int, clk clock.Clock) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		bot:        bot,
		chatID:     chatID,
		maxRetries: maxRetries,
		retry:      backoff.NewLinear(retryDelayBase, 0),
		clock:      clk,
		queue:      make(chan models.NotificationItem, queueSize),
	}
}

// Deliver queues item for forwarding. When the queue is full the item is dropped.
func (c *Client) Deliver(item models.NotificationItem) {
	select {
	case c.queue <- item:
	default:
		logger.Warn("Telegram queue full, dropping notification %s", item.ID)
	}
}

// Run forwards queued notifications until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-c.queue:
			if err := c.sendMarkdownV2(ctx, formatItem(item)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("Failed to forward notification %s: %v", item.ID, err)
			}
		}
	}
}

// ListenForCommands polls for Telegram updates and handles bot commands from the configured chat.
// It blocks until ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, handler CommandHandler) {
	if c.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil && update.Message.IsCommand() {
				c.handleCommand(ctx, update.Message, handler)
			}
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message, handler CommandHandler) {
	if msg.Chat == nil || msg.Chat.ID != c.chatID {
		return
	}
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		text = handler.StatusText()
	case "bid":
		amount, err := decimal.NewFromString(strings.TrimSpace(msg.CommandArguments()))
		if err != nil {
			text = "Usage: /bid <amount>"
			break
		}
		if err := handler.Bid(ctx, amount); err != nil {
			text = "Error: " + err.Error()
		} else {
			text = "Bid of " + amount.StringFixed(2) + " placed"
		}
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	c.bot.Send(reply) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		if err := backoff.Wait(ctx, c.clock, c.retry.Delay(i)); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

var categoryEmoji = map[models.Category]string{
	models.CategoryInfo:         "🔔",
	models.CategorySuccess:      "✅",
	models.CategoryWarning:      "⚠️",
	models.CategoryError:        "❌",
	models.CategoryCounterOffer: "🤝",
}

// formatItem formats one notification into a Telegram MarkdownV2 message.
func formatItem(item models.NotificationItem) string {
	emoji, ok := categoryEmoji[item.Category]
	if !ok {
		emoji = categoryEmoji[models.CategoryInfo]
	}
	message := fmt.Sprintf("%s %s", emoji, escapeMarkdownV2(item.Message))
	if item.AuctionID != "" {
		message += fmt.Sprintf("\n_Auction %s_", escapeMarkdownV2(item.AuctionID))
	}
	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

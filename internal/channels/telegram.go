package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/nexusd/internal/ingress"
	"github.com/basket/nexusd/internal/persistence"
)

// TelegramChannel turns inbound Telegram messages into tasks and serves as
// the outbound notify.Notifier (recipient is the numeric chat id).
type TelegramChannel struct {
	token        string
	allowedIDs   map[int64]struct{}
	classifier   *ingress.Classifier
	store        *persistence.Store
	logger       *slog.Logger
	dashboardURL string
	bot          *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, allowedIDs []int64, classifier *ingress.Classifier, store *persistence.Store, dashboardURL string, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		classifier:   classifier,
		store:        store,
		logger:       logger,
		dashboardURL: dashboardURL,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	// /status gets a quick summary instead of a task.
	if content == "/status" || strings.EqualFold(content, "status") {
		t.replyStatus(ctx, msg.Chat.ID)
		return
	}

	externalID := fmt.Sprintf("telegram-%d-%d", msg.Chat.ID, msg.MessageID)
	ok, reason := t.classifier.ShouldCreate(content, externalID)
	if !ok {
		t.logger.Debug("telegram message filtered", "reason", reason, "chat_id", msg.Chat.ID)
		return
	}

	// Restart-surviving backstop behind the in-memory seen cache.
	if seen, err := t.store.ExternalMessageSeen(ctx, externalID); err == nil && seen {
		t.logger.Debug("telegram message already has a task", "external_id", externalID)
		return
	}

	task, err := t.store.CreateTask(ctx, content, persistence.SourceChat, externalID)
	if err != nil {
		t.logger.Error("failed to create task from telegram", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not create task: %v", err))
		return
	}

	confirmation := fmt.Sprintf("🎯 Task #%s created!\n\n📊 Follow along: %s", shortID(task.ID), t.dashboardURL)
	t.reply(msg.Chat.ID, confirmation)
}

func (t *TelegramChannel) replyStatus(ctx context.Context, chatID int64) {
	total, err := t.store.CountTasks(ctx)
	if err != nil {
		t.reply(chatID, "Status unavailable right now.")
		return
	}
	active, err := t.store.ListActiveTasks(ctx)
	if err != nil {
		t.reply(chatID, "Status unavailable right now.")
		return
	}
	t.reply(chatID, fmt.Sprintf("📋 %d tasks total, %d active\n📊 %s", total, len(active), t.dashboardURL))
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// Send implements notify.Notifier. The recipient is a numeric chat id.
func (t *TelegramChannel) Send(ctx context.Context, recipient, message string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram recipient %q: %w", recipient, err)
	}

	msg := tgbotapi.NewMessage(chatID, message)
	msg.ParseMode = tgbotapi.ModeMarkdown

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	}
}

func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}

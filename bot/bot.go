// Package bot handles Telegram commands and button callbacks.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xmonitor/pkg/notifier"
	"xmonitor/registry"
)

// MaxWatchesPerChat caps how many handles a chat may watch.
const MaxWatchesPerChat = 100

var handleRegex = regexp.MustCompile(`^@?[A-Za-z0-9_]{1,15}$`)

// API is the part of *tgbotapi.BotAPI used by the handler.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Registry is the set of watch operations exposed to chat commands.
type Registry interface {
	EnsureSubscriber(ctx context.Context, chatID string) error
	AddWatch(ctx context.Context, chatID, handle string) (bool, error)
	RemoveWatch(ctx context.Context, chatID, handle string) (bool, error)
	SetNotificationKinds(ctx context.Context, chatID, handle string, kinds ...notifier.Kind) error
	ClearNotificationKinds(ctx context.Context, chatID, handle string) error
	Watch(chatID, handle string) (*notifier.Watch, bool)
	ListWatchesFor(chatID string) []*notifier.Watch
	Stats() notifier.Stats
}

// Handler turns updates into registry operations and replies.
type Handler struct {
	api      API
	registry Registry
	logger   *slog.Logger
}

// New creates a handler.
func New(api API, reg Registry, logger *slog.Logger) *Handler {
	return &Handler{api: api, registry: reg, logger: logger}
}

// Run handles updates until ctx is cancelled or the channel closes.
func (h *Handler) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	h.logger.Info("Bot update loop started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Bot update loop stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate dispatches one update.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic while handling update", "update_id", upd.UpdateID, "panic", r)
		}
	}()

	switch {
	case upd.Message != nil && upd.Message.IsCommand():
		h.handleCommand(ctx, upd.Message)
	case upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func chatKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	arg := strings.TrimSpace(msg.CommandArguments())

	h.logger.Debug("Command received", "chat_id", chatID, "command", msg.Command())

	switch msg.Command() {
	case "start", "help":
		h.handleStart(ctx, chatID)
	case "add":
		h.handleAdd(ctx, chatID, arg)
	case "remove":
		h.handleRemove(ctx, chatID, arg)
	case "list":
		h.reply(chatID, dashboardText(h.registry.ListWatchesFor(chatKey(chatID))), nil)
	case "kinds":
		h.handleKinds(chatID, arg)
	case "stats":
		h.reply(chatID, statsText(h.registry.Stats()), nil)
	default:
		h.reply(chatID, "Unknown command. Use /start to see available commands.", nil)
	}
}

func (h *Handler) handleStart(ctx context.Context, chatID int64) {
	if err := h.registry.EnsureSubscriber(ctx, chatKey(chatID)); err != nil {
		h.saveFailed(chatID, err)
		return
	}
	h.reply(chatID, startText, startKeyboard())
}

func (h *Handler) handleAdd(ctx context.Context, chatID int64, arg string) {
	handle, ok := parseHandle(arg)
	if !ok {
		h.reply(chatID, "Usage: /add <username> (letters, digits and _ only, up to 15 characters)", nil)
		return
	}

	key := chatKey(chatID)
	if _, exists := h.registry.Watch(key, handle); !exists && len(h.registry.ListWatchesFor(key)) >= MaxWatchesPerChat {
		h.reply(chatID, fmt.Sprintf("You can watch at most %d accounts. Remove one first.", MaxWatchesPerChat), nil)
		return
	}

	added, err := h.registry.AddWatch(ctx, key, handle)
	if err != nil {
		h.saveFailed(chatID, err)
		return
	}

	w, _ := h.registry.Watch(key, handle)
	text := fmt.Sprintf("✅ Added @%s\n\nChoose what to be notified about, then press Done.", handle)
	if !added {
		text = fmt.Sprintf("@%s is already in your list.\n\nChoose what to be notified about, then press Done.", w.Handle)
	}
	h.reply(chatID, text, kindsKeyboard(w))
}

func (h *Handler) handleRemove(ctx context.Context, chatID int64, arg string) {
	handle, ok := parseHandle(arg)
	if !ok {
		h.reply(chatID, "Usage: /remove <username>", nil)
		return
	}
	removed, err := h.registry.RemoveWatch(ctx, chatKey(chatID), handle)
	if err != nil {
		h.saveFailed(chatID, err)
		return
	}
	if !removed {
		h.reply(chatID, fmt.Sprintf("@%s is not in your list.", handle), nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("❌ Removed @%s", handle), nil)
}

func (h *Handler) handleKinds(chatID int64, arg string) {
	handle, ok := parseHandle(arg)
	if !ok {
		h.reply(chatID, "Usage: /kinds <username>", nil)
		return
	}
	w, exists := h.registry.Watch(chatKey(chatID), handle)
	if !exists {
		h.reply(chatID, fmt.Sprintf("@%s is not in your list. Add it with /add %s", handle, handle), nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("Notifications for @%s:", w.Handle), kindsKeyboard(w))
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID
	key := chatKey(chatID)
	answer := ""

	action, rest, _ := strings.Cut(cb.Data, ":")
	switch action {
	case "dashboard":
		h.edit(chatID, messageID, dashboardText(h.registry.ListWatchesFor(key)), nil)
	case "stats":
		h.edit(chatID, messageID, statsText(h.registry.Stats()), nil)
	case "kind":
		handle, name, _ := strings.Cut(rest, ":")
		kind, ok := notifier.ParseKind(name)
		if !ok {
			answer = "Unknown notification type"
			break
		}
		if err := h.registry.SetNotificationKinds(ctx, key, handle, kind); err != nil {
			answer = h.callbackError(chatID, err)
			break
		}
		answer = "Enabled " + string(kind)
		if w, ok := h.registry.Watch(key, handle); ok {
			h.editMarkup(chatID, messageID, kindsKeyboard(w))
		}
	case "reset":
		if err := h.registry.ClearNotificationKinds(ctx, key, rest); err != nil {
			answer = h.callbackError(chatID, err)
			break
		}
		answer = "Notifications paused"
		if w, ok := h.registry.Watch(key, rest); ok {
			h.editMarkup(chatID, messageID, kindsKeyboard(w))
		}
	case "done":
		w, ok := h.registry.Watch(key, rest)
		switch {
		case !ok:
			answer = "That account is no longer in your list"
		case !w.Active():
			answer = "Select at least one notification type"
		default:
			h.edit(chatID, messageID, activeText(w), nil)
		}
	default:
		h.logger.Warn("Unknown callback", "chat_id", chatID, "data", cb.Data)
	}

	start := time.Now()
	_, err := h.api.Request(tgbotapi.NewCallback(cb.ID, answer))
	if err != nil {
		h.logger.Warn("Failed to answer callback", "chat_id", chatID, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	}
}

func (h *Handler) callbackError(chatID int64, err error) string {
	if errors.Is(err, registry.ErrNotWatched) {
		return "That account is no longer in your list"
	}
	h.saveFailed(chatID, err)
	return ""
}

// saveFailed reports a failed registry write to the user.
func (h *Handler) saveFailed(chatID int64, err error) {
	h.logger.Error("Registry update failed", "chat_id", chatID, "persistence", registry.IsPersistenceError(err), "error", err)
	h.reply(chatID, "Could not save, please try again.", nil)
}

func (h *Handler) reply(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := h.api.Send(msg); err != nil {
		h.logger.Warn("Failed to send reply", "chat_id", chatID, "error", err)
	}
}

func (h *Handler) edit(chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ReplyMarkup = markup
	if _, err := h.api.Send(cfg); err != nil {
		h.logger.Warn("Failed to edit message", "chat_id", chatID, "error", err)
	}
}

func (h *Handler) editMarkup(chatID int64, messageID int, markup *tgbotapi.InlineKeyboardMarkup) {
	if markup == nil {
		return
	}
	cfg := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, *markup)
	if _, err := h.api.Send(cfg); err != nil {
		h.logger.Debug("Failed to update keyboard", "chat_id", chatID, "error", err)
	}
}

// parseHandle validates a command argument as an X handle.
func parseHandle(arg string) (string, bool) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || !handleRegex.MatchString(fields[0]) {
		return "", false
	}
	return notifier.NormalizeHandle(fields[0]), true
}

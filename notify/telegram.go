package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger is the part of *tgbotapi.BotAPI used for delivery.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramProvider sends messages through the Telegram Bot API.
type TelegramProvider struct {
	api    Messenger
	logger *slog.Logger
}

// NewTelegramProvider creates a provider over an authenticated bot.
func NewTelegramProvider(api Messenger, logger *slog.Logger) *TelegramProvider {
	return &TelegramProvider{api: api, logger: logger}
}

// Send delivers text to chatID, retrying transient failures.
func (p *TelegramProvider) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return &DeliveryError{Kind: Unreachable, ChatID: chatID, Err: fmt.Errorf("invalid chat id: %w", err)}
	}
	msg := tgbotapi.NewMessage(id, text)

	err = retry.Do(
		func() error {
			startTime := time.Now()
			_, err := p.api.Send(msg)
			duration := time.Since(startTime)
			if err == nil {
				p.logger.Debug("Telegram message sent", "chat_id", chatID, "duration_ms", duration.Milliseconds())
				return nil
			}

			de := classify(chatID, err)
			if de.Permanent() {
				return retry.Unrecoverable(de)
			}
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 400 {
				return retry.Unrecoverable(de)
			}
			return de
		},
		retry.Attempts(4),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying Telegram send after error", "attempt", n, "chat_id", chatID, "error", err)
		}),
	)
	if err != nil {
		var de *DeliveryError
		if errors.As(err, &de) {
			return de
		}
		return &DeliveryError{Kind: Unknown, ChatID: chatID, Err: fmt.Errorf("after retries: %w", err)}
	}
	return nil
}

// classify maps Bot API errors onto delivery kinds.
func classify(chatID string, err error) *DeliveryError {
	de := &DeliveryError{Kind: Unknown, ChatID: chatID, Err: err}

	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return de
	}
	desc := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == 403:
		de.Kind = Blocked
	case apiErr.Code == 400 && (strings.Contains(desc, "chat not found") || strings.Contains(desc, "user not found")):
		de.Kind = Unreachable
	}
	return de
}

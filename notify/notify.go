// Package notify delivers watch notifications to Telegram chats.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"xmonitor/diff"
	"xmonitor/pkg/notifier"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers a plain text message to a chat.
	Send(ctx context.Context, chatID, text string) error
}

// DeliveryKind classifies a delivery failure.
type DeliveryKind int

// Delivery failure kinds.
const (
	Unknown DeliveryKind = iota
	Unreachable
	Blocked
)

func (k DeliveryKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DeliveryError is returned when a message could not be delivered.
type DeliveryError struct {
	Err    error
	ChatID string
	Kind   DeliveryKind
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %s: %v", e.ChatID, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the chat is pointless.
func (e *DeliveryError) Permanent() bool {
	return e.Kind == Blocked || e.Kind == Unreachable
}

// Observer receives one call per delivery attempt.
type Observer interface {
	ObserveNotification(status string)
}

// Sender formats events and hands them to a provider.
type Sender struct {
	provider Provider
	observer Observer
	logger   *slog.Logger
}

// New creates a new sender with the given provider. observer may be nil.
func New(provider Provider, logger *slog.Logger, observer Observer) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		observer: observer,
	}
}

// NotifyEvents sends one message per event, oldest first. Delivery to the
// chat stops at the first permanent failure.
func (s *Sender) NotifyEvents(ctx context.Context, chatID, handle string, events []notifier.Event) (int, error) {
	ordered := slices.Clone(events)
	slices.Reverse(ordered)

	sent := 0
	var errs []error
	for _, e := range ordered {
		err := s.send(ctx, chatID, formatEvent(handle, e))
		if err == nil {
			sent++
			continue
		}
		errs = append(errs, err)
		var de *DeliveryError
		if (errors.As(err, &de) && de.Permanent()) || ctx.Err() != nil {
			break
		}
	}
	return sent, errors.Join(errs...)
}

// NotifyFollowers sends a follower change message.
func (s *Sender) NotifyFollowers(ctx context.Context, chatID, handle string, d diff.FollowerDecision) error {
	if d.Outcome != diff.FollowersChanged {
		return nil
	}
	return s.send(ctx, chatID, formatFollowers(handle, d))
}

func (s *Sender) send(ctx context.Context, chatID, text string) error {
	err := s.provider.Send(ctx, chatID, truncate(text, MaxMessageLength))

	status := "sent"
	if err != nil {
		status = "unknown"
		var de *DeliveryError
		if errors.As(err, &de) {
			status = de.Kind.String()
		}
		s.logger.Warn("Failed to deliver notification", "chat_id", chatID, "status", status, "error", err)
	}
	if s.observer != nil {
		s.observer.ObserveNotification(status)
	}
	return err
}

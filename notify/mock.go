package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Message is a delivered message recorded by MockProvider.
type Message struct {
	ChatID string
	Text   string
}

// MockProvider is a mock provider for local development and tests.
type MockProvider struct {
	logger *slog.Logger
	// Fail, when set, is consulted before each message is recorded.
	Fail func(chatID string) error

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, chatID, text string) error {
	if m.Fail != nil {
		if err := m.Fail(chatID); err != nil {
			return err
		}
	}
	m.logger.Info("MOCK TELEGRAM",
		"chat_id", chatID,
		"length", len(text))

	m.mu.Lock()
	m.sent = append(m.sent, Message{ChatID: chatID, Text: text})
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

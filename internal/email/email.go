// Package email delivers budget notifications. The default sender writes to
// the structured log; deployments needing real delivery plug in their own
// Sender.
package email

import (
	"context"
	"log/slog"
	"sync"
)

// Sender delivers a single message. Delivery is best-effort: callers log and
// continue on error.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender writes messages to the structured log instead of sending them.
type LogSender struct {
	Logger *slog.Logger
}

// NewLogSender creates a sender that records messages via logger. A nil
// logger uses the process default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.Logger.Info("email notification",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.Int("body_bytes", len(body)),
	)
	return nil
}

// RecordingSender captures messages for tests.
type RecordingSender struct {
	mu   sync.Mutex
	Sent []Message
	Err  error
}

// Message is a captured email.
type Message struct {
	To      string
	Subject string
	Body    string
}

func (s *RecordingSender) Send(ctx context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Sent = append(s.Sent, Message{To: to, Subject: subject, Body: body})
	return nil
}

// Count returns how many messages were captured.
func (s *RecordingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

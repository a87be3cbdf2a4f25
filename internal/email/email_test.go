package email

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogSenderWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewLogSender(logger)

	if err := s.Send(context.Background(), "ops@example.com", "Budget warning", "80% used"); err != nil {
		t.Fatal(err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["to"] != "ops@example.com" {
		t.Errorf("to = %v", entry["to"])
	}
	// Body content must not appear in logs, only its size.
	if strings.Contains(buf.String(), "80% used") {
		t.Error("body content leaked into log output")
	}
}

func TestRecordingSender(t *testing.T) {
	s := &RecordingSender{}
	if err := s.Send(context.Background(), "a@b.c", "subj", "body"); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 1 || s.Sent[0].Subject != "subj" {
		t.Errorf("sent = %+v", s.Sent)
	}
}

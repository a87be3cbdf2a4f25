package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Notification types.
const (
	TypeWarning    = "warning"
	TypeCritical   = "critical"
	TypeOverBudget = "over_budget"
	TypeReset      = "reset"
)

// evaluateThresholds emits at most one notification for the budget's current
// usage band. Warning and Critical fire inside their bands; OverBudget fires
// once spending strictly exceeds the amount.
func (s *Service) evaluateThresholds(ctx context.Context, b *store.BudgetRecord) {
	if !b.SendNotifications || b.Amount <= 0 {
		return
	}
	pct := b.Used / b.Amount

	var typ, subject string
	switch {
	case b.Used > b.Amount:
		typ = TypeOverBudget
		subject = fmt.Sprintf("Budget exceeded: %.2f of %.2f %s", b.Used, b.Amount, b.Currency)
	case pct >= b.CriticalThreshold && pct < 1:
		typ = TypeCritical
		subject = fmt.Sprintf("Budget critical: %.0f%% used", pct*100)
	case pct >= b.WarningThreshold && pct < b.CriticalThreshold:
		typ = TypeWarning
		subject = fmt.Sprintf("Budget warning: %.0f%% used", pct*100)
	default:
		return
	}

	body := fmt.Sprintf("Budget %s for tenant %s has used %.2f of %.2f %s (%.1f%%).",
		b.ID, b.TenantID, b.Used, b.Amount, b.Currency, pct*100)
	s.notify(ctx, b, typ, subject, body)
}

// notify persists and delivers one notification, applying the per-type
// cooldown window.
func (s *Service) notify(ctx context.Context, b *store.BudgetRecord, typ, subject, body string) {
	now := s.nowFunc()
	last, err := s.store.LatestNotification(ctx, b.ID, typ)
	if err != nil {
		s.logger.Warn("notification lookup failed",
			slog.String("budget_id", b.ID), slog.Any("error", err))
		return
	}
	cooldown := time.Duration(s.opts.CooldownHours) * time.Hour
	if last != nil && now.Sub(last.SentAt) < cooldown {
		return
	}

	recipient := b.NotifyEmail
	if recipient == "" {
		recipient = s.opts.DefaultEmail
	}
	n := store.NotificationRecord{
		ID:        uuid.NewString(),
		BudgetID:  b.ID,
		TenantID:  b.TenantID,
		Type:      typ,
		Recipient: recipient,
		Subject:   subject,
		SentAt:    now,
	}
	if err := s.store.AddNotification(ctx, n); err != nil {
		s.logger.Warn("persist notification failed",
			slog.String("budget_id", b.ID), slog.Any("error", err))
		return
	}

	s.publishThresholdEvent(b, typ)

	if s.opts.SendEmail && recipient != "" {
		if err := s.sender.Send(ctx, recipient, subject, body); err != nil {
			s.logger.Warn("notification email failed",
				slog.String("budget_id", b.ID),
				slog.String("recipient", recipient),
				slog.Any("error", err))
		}
	}
	s.logger.Info("budget notification",
		slog.String("budget_id", b.ID),
		slog.String("type", typ),
		slog.String("subject", subject))
}

func (s *Service) publishThresholdEvent(b *store.BudgetRecord, typ string) {
	if s.bus == nil {
		return
	}
	var eventType events.EventType
	switch typ {
	case TypeWarning:
		eventType = events.EventBudgetWarning
	case TypeCritical:
		eventType = events.EventBudgetCritical
	case TypeOverBudget:
		eventType = events.EventBudgetExceeded
	default:
		return
	}
	pct := 0.0
	if b.Amount > 0 {
		pct = b.Used / b.Amount
	}
	s.bus.Publish(events.Event{
		Type:         eventType,
		Timestamp:    s.nowFunc(),
		TenantID:     b.TenantID,
		BudgetID:     b.ID,
		UsagePercent: pct,
	})
}

// SendNotifications re-evaluates a budget's thresholds on demand, outside the
// debit path.
func (s *Service) SendNotifications(ctx context.Context, budgetID string) error {
	b, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return err
	}
	if b == nil {
		return &ValidationError{Field: "id", Msg: "budget not found"}
	}
	s.evaluateThresholds(ctx, b)
	return nil
}

// GetAlerts lists recent notifications for a tenant.
func (s *Service) GetAlerts(ctx context.Context, tenantID string, limit int) ([]store.NotificationRecord, error) {
	return s.store.ListNotifications(ctx, tenantID, limit)
}

// MarkNotificationRead marks one notification as read.
func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	return s.store.MarkNotificationRead(ctx, id)
}

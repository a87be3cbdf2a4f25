package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/store"
)

func validateBudget(b *store.BudgetRecord) error {
	if b.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Msg: "required"}
	}
	if !Period(b.Period).Valid() {
		return &ValidationError{Field: "period", Msg: fmt.Sprintf("unknown period %q", b.Period)}
	}
	if b.Amount <= 0 {
		return &ValidationError{Field: "amount", Msg: "must be positive"}
	}
	if !b.StartAt.Before(b.EndAt) {
		return &ValidationError{Field: "start_at", Msg: "must precede end_at"}
	}
	if b.WarningThreshold <= 0 || b.WarningThreshold > 1 {
		return &ValidationError{Field: "warning_threshold", Msg: "must be in (0,1]"}
	}
	if b.CriticalThreshold <= 0 || b.CriticalThreshold > 1 {
		return &ValidationError{Field: "critical_threshold", Msg: "must be in (0,1]"}
	}
	if b.WarningThreshold >= b.CriticalThreshold {
		return &ValidationError{Field: "warning_threshold", Msg: "must be below critical_threshold"}
	}
	return nil
}

// Create validates and persists a new budget. Budgets of the same period and
// scope must not overlap in time.
func (s *Service) Create(ctx context.Context, b store.BudgetRecord) (*store.BudgetRecord, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Currency == "" {
		b.Currency = "USD"
	}
	if b.WarningThreshold == 0 {
		b.WarningThreshold = 0.8
	}
	if b.CriticalThreshold == 0 {
		b.CriticalThreshold = 0.95
	}
	b.Used = 0
	now := s.nowFunc()
	b.CreatedAt = now
	b.UpdatedAt = now

	if err := validateBudget(&b); err != nil {
		return nil, err
	}
	overlap, err := s.store.OverlappingBudget(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("check overlap: %w", err)
	}
	if overlap != nil {
		return nil, &ValidationError{Msg: "A budget already exists for this period"}
	}
	if err := s.store.UpsertBudget(ctx, b); err != nil {
		return nil, fmt.Errorf("save budget: %w", err)
	}
	s.logger.Info("budget created",
		slog.String("budget_id", b.ID),
		slog.String("tenant_id", b.TenantID),
		slog.String("period", b.Period),
		slog.Float64("amount", b.Amount))
	return &b, nil
}

// UpdateRequest carries the mutable budget fields. Nil pointers leave the
// current value in place.
type UpdateRequest struct {
	Amount            *float64
	Period            *Period
	StartAt           *time.Time
	EndAt             *time.Time
	WarningThreshold  *float64
	CriticalThreshold *float64
	SendNotifications *bool
	NotifyEmail       *string
}

// Update applies an UpdateRequest. Scope (tenant/project/user) and
// accumulated usage are immutable.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*store.BudgetRecord, error) {
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	if b == nil {
		return nil, &ValidationError{Field: "id", Msg: "budget not found"}
	}
	if req.Amount != nil {
		b.Amount = *req.Amount
	}
	if req.Period != nil {
		b.Period = string(*req.Period)
	}
	if req.StartAt != nil {
		b.StartAt = *req.StartAt
	}
	if req.EndAt != nil {
		b.EndAt = *req.EndAt
	}
	if req.WarningThreshold != nil {
		b.WarningThreshold = *req.WarningThreshold
	}
	if req.CriticalThreshold != nil {
		b.CriticalThreshold = *req.CriticalThreshold
	}
	if req.SendNotifications != nil {
		b.SendNotifications = *req.SendNotifications
	}
	if req.NotifyEmail != nil {
		b.NotifyEmail = *req.NotifyEmail
	}
	b.UpdatedAt = s.nowFunc()

	if err := validateBudget(b); err != nil {
		return nil, err
	}
	overlap, err := s.store.OverlappingBudget(ctx, *b)
	if err != nil {
		return nil, fmt.Errorf("check overlap: %w", err)
	}
	if overlap != nil {
		return nil, &ValidationError{Msg: "A budget already exists for this period"}
	}
	if err := s.store.UpsertBudget(ctx, *b); err != nil {
		return nil, fmt.Errorf("save budget: %w", err)
	}
	return b, nil
}

// Delete removes a budget and its notifications.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteNotificationsForBudget(ctx, id); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	if err := s.store.DeleteBudget(ctx, id); err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	return nil
}

// Get returns a budget by id, nil when absent.
func (s *Service) Get(ctx context.Context, id string) (*store.BudgetRecord, error) {
	return s.store.GetBudget(ctx, id)
}

// List returns all budgets for a tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]store.BudgetRecord, error) {
	return s.store.ListBudgets(ctx, tenantID)
}

// Reset zeroes accumulated usage and emits a reset notification when the
// budget has notifications enabled.
func (s *Service) Reset(ctx context.Context, id string) error {
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return fmt.Errorf("load budget: %w", err)
	}
	if b == nil {
		return &ValidationError{Field: "id", Msg: "budget not found"}
	}
	now := s.nowFunc()
	if err := s.store.SetBudgetUsed(ctx, id, 0, now); err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	if b.SendNotifications {
		s.notify(ctx, b, TypeReset,
			fmt.Sprintf("Budget %s reset", b.ID),
			fmt.Sprintf("Budget %s for tenant %s was reset to 0 of %.2f %s.", b.ID, b.TenantID, b.Amount, b.Currency))
	}
	s.logger.Info("budget reset", slog.String("budget_id", id))
	return nil
}

// CanRollover reports whether the budget is eligible for rollover: rollover
// is enabled and the budget's period has ended.
func (s *Service) CanRollover(ctx context.Context, id string) (bool, string, error) {
	if !s.opts.AllowRollover {
		return false, "rollover disabled", nil
	}
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return false, "", fmt.Errorf("load budget: %w", err)
	}
	if b == nil {
		return false, "budget not found", nil
	}
	if s.nowFunc().Before(b.EndAt) {
		return false, "period still active", nil
	}
	return true, "", nil
}

// Rollover creates the successor budget for the next period. Unspent amount
// carries over, capped at MaxRolloverPercentage of the source amount; an
// overspent source shrinks the successor accordingly.
func (s *Service) Rollover(ctx context.Context, id string) (*store.BudgetRecord, error) {
	ok, reason, err := s.CanRollover(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ValidationError{Msg: "cannot rollover: " + reason}
	}
	src, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}

	remaining := src.Amount - src.Used
	newAmount := src.Amount + remaining
	if limit := src.Amount * (1 + s.opts.MaxRolloverPercentage); newAmount > limit {
		newAmount = limit
	}
	if newAmount <= 0 {
		return nil, &ValidationError{Msg: "cannot rollover: source budget fully overspent"}
	}

	period := Period(src.Period)
	next := *src
	next.ID = uuid.NewString()
	next.Amount = newAmount
	next.Used = 0
	next.StartAt = src.EndAt
	next.EndAt = period.Advance(src.EndAt)
	created, err := s.Create(ctx, next)
	if err != nil {
		return nil, err
	}
	s.logger.Info("budget rolled over",
		slog.String("from", src.ID),
		slog.String("to", created.ID),
		slog.Float64("amount", created.Amount))
	return created, nil
}

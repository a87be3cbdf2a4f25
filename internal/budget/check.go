package budget

import (
	"context"
	"log/slog"

	"github.com/arbiterhq/arbiter/internal/store"
)

// Check statuses.
const (
	StatusOK           = "ok"
	StatusNoBudget     = "NO_BUDGET"
	StatusInsufficient = "insufficient"
	StatusStoreError   = "store_error"
)

// CheckResult is a pre-flight budget decision.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// CheckDetail is the per-budget breakdown behind a CheckResult.
type CheckDetail struct {
	BudgetID      string  `json:"budget_id"`
	Amount        float64 `json:"amount"`
	Used          float64 `json:"used"`
	Remaining     float64 `json:"remaining"`
	EstimatedCost float64 `json:"estimated_cost"`
	Currency      string  `json:"currency"`
	Allowed       bool    `json:"allowed"`
}

// CheckBudget decides whether an estimated cost (USD) may be spent in the
// given scope. Absence of an active budget allows the request with the
// NO_BUDGET sentinel. Store failures fail open: blocking live traffic on a
// degraded database is worse than a late debit.
func (s *Service) CheckBudget(ctx context.Context, tenantID, projectID, userID string, estimatedCostUSD float64) CheckResult {
	result, _ := s.CheckBudgetWithDetails(ctx, tenantID, projectID, userID, estimatedCostUSD)
	return result
}

// CheckBudgetWithDetails is CheckBudget plus the per-budget breakdown.
func (s *Service) CheckBudgetWithDetails(ctx context.Context, tenantID, projectID, userID string, estimatedCostUSD float64) (CheckResult, []CheckDetail) {
	active, err := s.store.ActiveBudgets(ctx, tenantID, projectID, userID, s.nowFunc())
	if err != nil {
		s.logger.Warn("budget check failed, allowing request",
			slog.String("tenant_id", tenantID),
			slog.Any("error", err))
		return CheckResult{Allowed: true, Status: StatusStoreError, Reason: "budget store unavailable"}, nil
	}
	if len(active) == 0 {
		return CheckResult{Allowed: true, Status: StatusNoBudget, Reason: "no active budget for scope"}, nil
	}

	details := make([]CheckDetail, 0, len(active))
	allowed := true
	var blocking string
	for _, b := range active {
		est := s.convert(estimatedCostUSD, "USD", b.Currency)
		d := CheckDetail{
			BudgetID:      b.ID,
			Amount:        b.Amount,
			Used:          b.Used,
			Remaining:     b.Amount - b.Used,
			EstimatedCost: est,
			Currency:      b.Currency,
			Allowed:       b.Used+est <= b.Amount,
		}
		if !d.Allowed {
			allowed = false
			if blocking == "" {
				blocking = b.ID
			}
		}
		details = append(details, d)
	}
	if !allowed {
		return CheckResult{
			Allowed: false,
			Status:  StatusInsufficient,
			Reason:  "budget " + blocking + " would be exceeded",
		}, details
	}
	return CheckResult{Allowed: true, Status: StatusOK}, details
}

// RecordUsage persists a usage record and debits every applicable budget in
// one transaction. Replaying a usage id is a no-op. After a successful debit
// each affected budget is re-evaluated for threshold notifications.
func (s *Service) RecordUsage(ctx context.Context, u store.UsageRecord) error {
	if u.ID == "" {
		return &ValidationError{Field: "id", Msg: "required"}
	}
	if u.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Msg: "required"}
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.nowFunc()
	}
	if u.Currency == "" {
		u.Currency = "USD"
	}

	applicable, err := s.store.ActiveBudgets(ctx, u.TenantID, u.ProjectID, u.UserID, u.Timestamp)
	if err != nil {
		return err
	}
	debits := make(map[string]float64, len(applicable))
	for _, b := range applicable {
		debits[b.ID] = s.convert(u.Cost, u.Currency, b.Currency)
	}

	inserted, err := s.store.RecordUsageTx(ctx, u, debits)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("duplicate usage record ignored", slog.String("usage_id", u.ID))
		return nil
	}

	for _, b := range applicable {
		b.Used += debits[b.ID]
		if s.metrics != nil && b.Amount > 0 {
			s.metrics.BudgetUsage.WithLabelValues(b.ID).Set(b.Used / b.Amount)
		}
		s.evaluateThresholds(ctx, &b)
	}
	return nil
}

// BudgetStatus pairs a budget with its derived consumption figures.
type BudgetStatus struct {
	Budget       store.BudgetRecord `json:"budget"`
	Used         float64            `json:"used"`
	Remaining    float64            `json:"remaining"`
	UsagePercent float64            `json:"usage_percent"`
}

// GetCurrentUsage returns the consumption status of every budget active for
// the scope right now.
func (s *Service) GetCurrentUsage(ctx context.Context, tenantID, projectID, userID string) ([]BudgetStatus, error) {
	active, err := s.store.ActiveBudgets(ctx, tenantID, projectID, userID, s.nowFunc())
	if err != nil {
		return nil, err
	}
	statuses := make([]BudgetStatus, 0, len(active))
	for _, b := range active {
		statuses = append(statuses, budgetStatus(b))
	}
	return statuses, nil
}

func budgetStatus(b store.BudgetRecord) BudgetStatus {
	st := BudgetStatus{Budget: b, Used: b.Used, Remaining: b.Amount - b.Used}
	if b.Amount > 0 {
		st.UsagePercent = b.Used / b.Amount
	}
	return st
}

// Analysis summarizes a tenant's budget posture.
type Analysis struct {
	TenantID       string         `json:"tenant_id"`
	Budgets        []BudgetStatus `json:"budgets"`
	TotalAmount    float64        `json:"total_amount"`
	TotalUsed      float64        `json:"total_used"`
	OverallPercent float64        `json:"overall_percent"`
	OverBudget     int            `json:"over_budget"`
}

// Analyze aggregates all of a tenant's budgets, active or not.
func (s *Service) Analyze(ctx context.Context, tenantID string) (*Analysis, error) {
	budgets, err := s.store.ListBudgets(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	a := &Analysis{TenantID: tenantID}
	for _, b := range budgets {
		st := budgetStatus(b)
		a.Budgets = append(a.Budgets, st)
		a.TotalAmount += b.Amount
		a.TotalUsed += b.Used
		if b.Used > b.Amount {
			a.OverBudget++
		}
	}
	if a.TotalAmount > 0 {
		a.OverallPercent = a.TotalUsed / a.TotalAmount
	}
	return a, nil
}

package budget

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Forecast is a linear spend projection for one budget.
type Forecast struct {
	BudgetID        string     `json:"budget_id"`
	ForecastDays    int        `json:"forecast_days"`
	DailyAverage    float64    `json:"daily_average"`
	ForecastedUsage float64    `json:"forecasted_usage"`
	ProjectedPct    float64    `json:"projected_percent"`
	WillExceed      bool       `json:"will_exceed"`
	ExceedDate      *time.Time `json:"exceed_date,omitempty"`
	Confidence      float64    `json:"confidence"`
}

const (
	minConfidence        = 0.1
	lowSampleConfidence  = 0.3
	minForecastSamples   = 10
	minForecastDays      = 3
	confidenceSampleSpan = 30
)

// GetForecast projects spending forecastDays ahead using the budget's daily
// average. Days are clamped to [1, MaxForecastDays].
func (s *Service) GetForecast(ctx context.Context, budgetID string, forecastDays int) (*Forecast, error) {
	b, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &ValidationError{Field: "id", Msg: "budget not found"}
	}
	if forecastDays < 1 {
		forecastDays = 1
	}
	if forecastDays > s.opts.MaxForecastDays {
		forecastDays = s.opts.MaxForecastDays
	}

	now := s.nowFunc()
	daysElapsed := now.Sub(b.StartAt).Hours() / 24
	dailyAverage := b.Used / math.Max(1, daysElapsed)
	forecasted := b.Used + dailyAverage*float64(forecastDays)

	f := &Forecast{
		BudgetID:        b.ID,
		ForecastDays:    forecastDays,
		DailyAverage:    dailyAverage,
		ForecastedUsage: forecasted,
	}
	if b.Amount > 0 {
		f.ProjectedPct = forecasted / b.Amount
	}
	if forecasted > b.Amount {
		f.WillExceed = true
		if dailyAverage > 0 && b.Used < b.Amount {
			days := (b.Amount - b.Used) / dailyAverage
			exceed := now.Add(time.Duration(days * 24 * float64(time.Hour)))
			f.ExceedDate = &exceed
		} else if b.Used >= b.Amount {
			f.ExceedDate = &now
		}
	}

	totals, err := s.store.DailyUsageTotals(ctx, b.TenantID, b.ProjectID, b.UserID, b.StartAt, now)
	if err != nil {
		return nil, fmt.Errorf("daily totals: %w", err)
	}
	samples := make([]float64, len(totals))
	for i, t := range totals {
		samples[i] = t.Cost
	}
	f.Confidence = confidence(samples, daysElapsed)
	return f, nil
}

// confidence scores a projection in [0.1, 1]. Sparse history pins it at 0.3;
// otherwise steadier daily spend and longer history raise it.
func confidence(dailySamples []float64, daysElapsed float64) float64 {
	n := len(dailySamples)
	if n < minForecastSamples || daysElapsed < minForecastDays {
		return lowSampleConfidence
	}

	var sum float64
	for _, v := range dailySamples {
		sum += v
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range dailySamples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)

	// Coefficient of variation: 0 for perfectly steady spend.
	stability := 1.0
	if mean > 0 {
		cv := math.Sqrt(variance) / mean
		stability = 1 / (1 + cv)
	}
	coverage := math.Min(1, float64(n)/confidenceSampleSpan)

	c := 0.6*stability + 0.4*coverage
	return math.Min(1, math.Max(minConfidence, c))
}

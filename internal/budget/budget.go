// Package budget enforces per-tenant spending limits. Budgets scope to a
// tenant and optionally a project or user; usage debits every applicable
// budget in one transaction, keyed by a caller-supplied usage id so retries
// never double-charge.
package budget

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/email"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Period is a budget cycle length.
type Period string

const (
	PeriodDaily     Period = "daily"
	PeriodWeekly    Period = "weekly"
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
	PeriodAnnually  Period = "annually"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodAnnually:
		return true
	}
	return false
}

// Advance returns t moved forward one period.
func (p Period) Advance(t time.Time) time.Time {
	switch p {
	case PeriodDaily:
		return t.AddDate(0, 0, 1)
	case PeriodWeekly:
		return t.AddDate(0, 0, 7)
	case PeriodMonthly:
		return t.AddDate(0, 1, 0)
	case PeriodQuarterly:
		return t.AddDate(0, 3, 0)
	case PeriodAnnually:
		return t.AddDate(1, 0, 0)
	}
	return t
}

// ValidationError reports a rejected budget mutation or check input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// RateSource converts amounts between currencies.
type RateSource interface {
	// Convert returns amount expressed in the `to` currency and true, or the
	// raw amount and false when either currency is unknown.
	Convert(amount float64, from, to string) (float64, bool)
}

// StaticRates is the reference currency table. Rates are units per USD.
// Production deployments swap in a live source behind RateSource.
type StaticRates map[string]float64

// DefaultRates returns the built-in currency table.
func DefaultRates() StaticRates {
	return StaticRates{"USD": 1, "EUR": 0.85, "GBP": 0.73, "JPY": 110}
}

func (r StaticRates) Convert(amount float64, from, to string) (float64, bool) {
	if from == to {
		return amount, true
	}
	fromRate, okFrom := r[from]
	toRate, okTo := r[to]
	if !okFrom || !okTo || fromRate == 0 {
		return amount, false
	}
	return amount / fromRate * toRate, true
}

// Options tunes the budget service.
type Options struct {
	// SendEmail enables email delivery of notifications. Notifications are
	// always persisted regardless.
	SendEmail    bool
	DefaultEmail string
	// CooldownHours suppresses repeat notifications of the same type for the
	// same budget.
	CooldownHours int
	// MaxForecastDays caps GetForecast horizons.
	MaxForecastDays int
	// AllowRollover enables carrying unspent budget into the next period.
	AllowRollover bool
	// MaxRolloverPercentage caps the rollover bonus as a fraction of the
	// source amount (0.5 = successor may be at most 150% of the source).
	MaxRolloverPercentage float64
}

// DefaultOptions returns the standard service tuning.
func DefaultOptions() Options {
	return Options{
		CooldownHours:         12,
		MaxForecastDays:       90,
		MaxRolloverPercentage: 0.5,
	}
}

// Service manages budgets, usage accounting, and threshold notifications.
type Service struct {
	store   store.Store
	rates   RateSource
	sender  email.Sender
	bus     *events.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
	opts    Options
	nowFunc func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRates overrides the currency table.
func WithRates(r RateSource) Option {
	return func(s *Service) { s.rates = r }
}

// WithSender sets the email channel for notifications.
func WithSender(sender email.Sender) Option {
	return func(s *Service) { s.sender = sender }
}

// WithEventBus publishes budget threshold events.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithMetrics updates the budget usage gauge after debits.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithNow overrides the time source (tests).
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// NewService creates a budget service backed by st.
func NewService(st store.Store, opts Options, options ...Option) *Service {
	if opts.CooldownHours <= 0 {
		opts.CooldownHours = 12
	}
	if opts.MaxForecastDays <= 0 {
		opts.MaxForecastDays = 90
	}
	s := &Service{
		store:   st,
		rates:   DefaultRates(),
		logger:  slog.Default(),
		opts:    opts,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sender == nil {
		s.sender = email.NewLogSender(s.logger)
	}
	return s
}

// convert expresses amount (in the `from` currency) in the budget's currency,
// falling back to the raw amount with a warning for unknown currencies.
func (s *Service) convert(amount float64, from, to string) float64 {
	if from == "" {
		from = "USD"
	}
	if to == "" {
		to = "USD"
	}
	converted, ok := s.rates.Convert(amount, from, to)
	if !ok {
		s.logger.Warn("unsupported currency conversion, using raw amount",
			slog.String("from", from), slog.String("to", to))
	}
	return converted
}

// Package compliance enforces tenant policy rules on models and requests.
// Arbitration consults it during candidate enumeration; the execution
// pipeline consults it before dispatch.
package compliance

import (
	"context"
	"strings"
	"sync"
)

// Rules is the per-tenant compliance policy.
type Rules struct {
	TenantID string `json:"tenant_id"`

	// BlockedModels are model ids the tenant may never use.
	BlockedModels []string `json:"blocked_models,omitempty"`
	// BlockedProviders are provider ids the tenant may never use.
	BlockedProviders []string `json:"blocked_providers,omitempty"`

	// RequiredRegion forces data residency to one region when set.
	RequiredRegion string `json:"required_region,omitempty"`
	// RequireEncryptionAtRest restricts selection to encrypting models.
	RequireEncryptionAtRest bool `json:"require_encryption_at_rest,omitempty"`

	// BannedPhrases reject requests whose content contains any of these
	// (case-insensitive).
	BannedPhrases []string `json:"banned_phrases,omitempty"`
}

// ModelFacts is the subset of model attributes compliance checks inspect.
type ModelFacts struct {
	ModelID          string
	ProviderID       string
	Regions          []string
	EncryptionAtRest bool
}

// Violation describes a failed compliance check.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Service is the compliance surface the cores consume.
type Service interface {
	// CheckModelCompliance returns the violations a model would incur for a
	// tenant. An empty slice means the model is compliant.
	CheckModelCompliance(ctx context.Context, tenantID string, facts ModelFacts) ([]Violation, error)
	// CheckRequestCompliance inspects request content against tenant policy.
	CheckRequestCompliance(ctx context.Context, tenantID, content string) ([]Violation, error)
	// GetComplianceRules returns the tenant's rules (zero value when none).
	GetComplianceRules(ctx context.Context, tenantID string) (Rules, error)
}

// StaticService is an in-memory Service backed by a per-tenant rules map.
type StaticService struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

// NewStaticService creates a service with no rules; all checks pass until
// rules are set.
func NewStaticService() *StaticService {
	return &StaticService{rules: make(map[string]Rules)}
}

// SetRules installs or replaces a tenant's rules.
func (s *StaticService) SetRules(r Rules) {
	s.mu.Lock()
	s.rules[r.TenantID] = r
	s.mu.Unlock()
}

func (s *StaticService) GetComplianceRules(ctx context.Context, tenantID string) (Rules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules[tenantID], nil
}

func (s *StaticService) CheckModelCompliance(ctx context.Context, tenantID string, facts ModelFacts) ([]Violation, error) {
	r, err := s.GetComplianceRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, id := range r.BlockedModels {
		if id == facts.ModelID {
			out = append(out, Violation{Rule: "blocked_model", Detail: facts.ModelID})
		}
	}
	for _, id := range r.BlockedProviders {
		if id == facts.ProviderID {
			out = append(out, Violation{Rule: "blocked_provider", Detail: facts.ProviderID})
		}
	}
	if r.RequiredRegion != "" && !containsString(facts.Regions, r.RequiredRegion) {
		out = append(out, Violation{Rule: "data_residency", Detail: "region " + r.RequiredRegion + " not served"})
	}
	if r.RequireEncryptionAtRest && !facts.EncryptionAtRest {
		out = append(out, Violation{Rule: "encryption_at_rest", Detail: "model does not encrypt at rest"})
	}
	return out, nil
}

func (s *StaticService) CheckRequestCompliance(ctx context.Context, tenantID, content string) ([]Violation, error) {
	r, err := s.GetComplianceRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(content)
	var out []Violation
	for _, phrase := range r.BannedPhrases {
		if phrase != "" && strings.Contains(lowered, strings.ToLower(phrase)) {
			out = append(out, Violation{Rule: "banned_phrase", Detail: phrase})
		}
	}
	return out, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

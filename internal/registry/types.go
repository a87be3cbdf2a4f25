// Package registry holds the model/provider catalog. Models and providers are
// read-mostly: the catalog serves cached value objects and evicts affected
// keys when configuration changes.
package registry

import (
	"time"
)

// Tier classifies a model offering.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Capability names used across adapters and arbitration.
const (
	CapStreaming       = "streaming"
	CapFunctionCalling = "function_calling"
	CapVision          = "vision"
	CapAudio           = "audio"
	CapEmbedding       = "embedding"
	CapModeration      = "moderation"
)

// CapabilityPassScore is the minimum capability score a model must hold for a
// required capability to count as supported.
const CapabilityPassScore = 70

// Model is an upstream LLM offering.
type Model struct {
	ID            string `json:"id"`
	ProviderID    string `json:"provider_id"`
	VendorModelID string `json:"vendor_model_id"`
	Tier          Tier   `json:"tier"`

	// Intelligence is a benchmark-derived score in [0,100].
	Intelligence    float64 `json:"intelligence"`
	ContextWindow   int     `json:"context_window"`
	MaxOutputTokens int     `json:"max_output_tokens"`

	// Prices are USD per million tokens.
	InputPerMTokens  float64 `json:"input_per_m_tokens"`
	OutputPerMTokens float64 `json:"output_per_m_tokens"`

	// Capabilities maps capability name to a score in [0,100]. A capability
	// counts as supported when its score is at least CapabilityPassScore.
	Capabilities map[string]int `json:"capabilities,omitempty"`

	// Regions lists data-residency regions the model may serve.
	Regions []string `json:"regions,omitempty"`

	EncryptionAtRest bool       `json:"encryption_at_rest"`
	Active           bool       `json:"active"`
	DeprecatedAt     *time.Time `json:"deprecated_at,omitempty"`
}

// HasCapability reports whether the model supports the named capability.
func (m *Model) HasCapability(name string) bool {
	return m.Capabilities[name] >= CapabilityPassScore
}

// ServesRegion reports whether the model can serve the given region.
// An empty region requirement always passes.
func (m *Model) ServesRegion(region string) bool {
	if region == "" {
		return true
	}
	for _, r := range m.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// Usable reports whether the model may receive traffic: the model and its
// provider are active and the model is not past its deprecation date.
func (m *Model) Usable(p *Provider, now time.Time) bool {
	if !m.Active || p == nil || !p.Enabled {
		return false
	}
	if m.DeprecatedAt != nil && !m.DeprecatedAt.After(now) {
		return false
	}
	return true
}

// CostFor returns the USD cost of a token count pair at this model's prices.
func (m *Model) CostFor(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.InputPerMTokens +
		float64(outputTokens)/1e6*m.OutputPerMTokens
}

// ProviderConfiguration holds per-provider transport tuning.
type ProviderConfiguration struct {
	RequestTimeout     time.Duration     `json:"request_timeout"`
	MaxRetries         int               `json:"max_retries"`
	RetryDelay         time.Duration     `json:"retry_delay"`
	ServiceFeePercent  float64           `json:"service_fee_percent"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	CustomHeaders      map[string]string `json:"custom_headers,omitempty"`
}

// DefaultProviderConfiguration returns the transport defaults applied to
// providers registered without explicit tuning.
func DefaultProviderConfiguration() ProviderConfiguration {
	return ProviderConfiguration{
		RequestTimeout:     30 * time.Second,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		RateLimitPerMinute: 600,
	}
}

// Provider is a vendor endpoint.
type Provider struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Regions []string `json:"regions,omitempty"`

	// CredentialRef names the vault entry holding the API key. The key
	// itself never appears on this struct.
	CredentialRef string `json:"credential_ref"`

	Enabled bool                  `json:"enabled"`
	Config  ProviderConfiguration `json:"config"`
}

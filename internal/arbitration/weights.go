package arbitration

// Weights are the per-dimension multipliers applied to candidate scores.
// They sum to 1.
type Weights struct {
	Performance float64 `json:"performance"`
	Cost        float64 `json:"cost"`
	Compliance  float64 `json:"compliance"`
	Reliability float64 `json:"reliability"`
}

var taskWeights = map[string]Weights{
	"cost_sensitive":       {Performance: 0.3, Cost: 0.5, Compliance: 0.1, Reliability: 0.1},
	"performance_critical": {Performance: 0.6, Cost: 0.1, Compliance: 0.2, Reliability: 0.1},
	"latency_sensitive":    {Performance: 0.5, Cost: 0.2, Compliance: 0.1, Reliability: 0.2},
	"reliability_focused":  {Performance: 0.2, Cost: 0.2, Compliance: 0.2, Reliability: 0.4},
	"compliance_sensitive": {Performance: 0.2, Cost: 0.2, Compliance: 0.5, Reliability: 0.1},
}

var balancedWeights = Weights{Performance: 0.4, Cost: 0.3, Compliance: 0.2, Reliability: 0.1}

// WeightsFor returns the scoring weights for a task type, falling back to the
// balanced profile.
func WeightsFor(taskType string) Weights {
	if w, ok := taskWeights[taskType]; ok {
		return w
	}
	return balancedWeights
}

// tokenProfile is the assumed input/output token usage for a task type when
// the context supplies no estimates.
type tokenProfile struct {
	input  int
	output int
}

var taskTokens = map[string]tokenProfile{
	"summarization":   {1000, 200},
	"translation":     {500, 500},
	"code_generation": {200, 1000},
	"analysis":        {1500, 500},
	"chat":            {300, 300},
}

var defaultTokens = tokenProfile{500, 500}

// TokensFor returns the token profile for a task type, honoring explicit
// context estimates first.
func TokensFor(taskType string, estimatedInput, estimatedOutput int) (int, int) {
	p, ok := taskTokens[taskType]
	if !ok {
		p = defaultTokens
	}
	if estimatedInput > 0 {
		p.input = estimatedInput
	}
	if estimatedOutput > 0 {
		p.output = estimatedOutput
	}
	return p.input, p.output
}

// latencyScore maps average observed latency to [10,100] in steps.
func latencyScore(avgMs float64) float64 {
	switch {
	case avgMs <= 100:
		return 100
	case avgMs <= 500:
		return 80
	case avgMs <= 1000:
		return 60
	case avgMs <= 2000:
		return 40
	case avgMs <= 5000:
		return 20
	}
	return 10
}

// throughputScore mirrors latencyScore on tokens per second.
func throughputScore(tokensPerSec float64) float64 {
	switch {
	case tokensPerSec >= 100:
		return 100
	case tokensPerSec >= 50:
		return 80
	case tokensPerSec >= 20:
		return 60
	case tokensPerSec >= 10:
		return 40
	case tokensPerSec >= 5:
		return 20
	}
	return 10
}

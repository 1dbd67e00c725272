package models

import "time"

// Capability is the kind of operation a model supports.
type Capability string

const (
	CapabilityText      Capability = "text"
	CapabilityChat      Capability = "chat"
	CapabilityEmbedding Capability = "embedding"
	CapabilityImage     Capability = "image"
	CapabilityStreaming Capability = "streaming"
)

// ModelHintAny matches any model exposing the requested capability.
const ModelHintAny = "any"

// ProviderDescriptor identifies one backend and carries its routing metadata.
// Descriptors are treated as values: the registry replaces the whole
// descriptor on update so concurrent readers never observe a torn write.
type ProviderDescriptor struct {
	ID          string        `yaml:"id" json:"id"`
	DisplayType string        `yaml:"display_type" json:"display_type,omitzero"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Priority    int           `yaml:"priority" json:"priority"`
	Weight      float64       `yaml:"weight" json:"weight"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
}

// ModelDescriptor describes one model exposed by a provider.
type ModelDescriptor struct {
	ModelID            string       `yaml:"model_id" json:"model_id"`
	ProviderModelID    string       `yaml:"provider_model_id" json:"provider_model_id"`
	Capabilities       []Capability `yaml:"capabilities" json:"capabilities"`
	MaxContextTokens   int          `yaml:"max_context_tokens" json:"max_context_tokens"`
	CostPerInputToken  float64      `yaml:"cost_per_input_token" json:"cost_per_input_token"`
	CostPerOutputToken float64      `yaml:"cost_per_output_token" json:"cost_per_output_token"`
}

// HasCapability reports whether the model exposes the given capability.
func (m ModelDescriptor) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ProviderHealth is the adapter-reported reachability snapshot.
type ProviderHealth struct {
	Reachable       bool          `json:"reachable"`
	LatencyEstimate time.Duration `json:"latency_estimate"`
}

package main

// Pricing is USD per million tokens.
type Pricing struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Model is a closed record describing one selectable model. Orchestration
// code is generic over this record and never branches on specific ids.
type Model struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Pricing      Pricing  `json:"pricing" yaml:"pricing"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Type         string   `json:"type" yaml:"type"` // council | chairman | both
	Tier         string   `json:"tier,omitempty" yaml:"tier,omitempty"`
}

// defaultPricing is the conservative fallback for models missing from the
// registry: overestimating keeps the budget router honest.
var defaultPricing = Pricing{Input: 1.0, Output: 5.0}

// curatedModels is the built-in registry. Pricing values are offline
// fallbacks; the pricing cache refreshes them from the live catalog.
var curatedModels = []Model{
	{ID: "openai/gpt-5.2", Name: "GPT-5.2", Pricing: Pricing{Input: 5.0, Output: 20.0}, Capabilities: []string{"frontier", "reasoning"}, Type: "chairman", Tier: "premium"},
	{ID: "anthropic/claude-opus-4.5", Name: "Claude Opus 4.5", Pricing: Pricing{Input: 15.0, Output: 75.0}, Capabilities: []string{"frontier", "reasoning"}, Type: "chairman", Tier: "premium"},
	{ID: "google/gemini-3-pro-preview", Name: "Gemini 3 Pro Preview", Pricing: Pricing{Input: 2.0, Output: 12.0}, Capabilities: []string{"thinking", "reasoning"}, Type: "both", Tier: "premium"},
	{ID: "openai/gpt-5.1", Name: "GPT-5.1", Pricing: Pricing{Input: 3.0, Output: 15.0}, Capabilities: []string{"reasoning", "generalist"}, Type: "both", Tier: "mid"},
	{ID: "anthropic/claude-sonnet-4.5", Name: "Claude Sonnet 4.5", Pricing: Pricing{Input: 3.0, Output: 15.0}, Capabilities: []string{"reasoning", "thinking"}, Type: "both", Tier: "mid"},
	{ID: "x-ai/grok-4", Name: "Grok 4", Pricing: Pricing{Input: 3.0, Output: 15.0}, Capabilities: []string{"reasoning"}, Type: "both", Tier: "mid"},
	{ID: "x-ai/grok-4-fast", Name: "Grok 4 Fast", Pricing: Pricing{Input: 0.2, Output: 0.5}, Capabilities: []string{"reasoning", "fast"}, Type: "both", Tier: "budget"},
	{ID: "deepseek/deepseek-v3.2-exp", Name: "DeepSeek V3.2 Exp", Pricing: Pricing{Input: 0.216, Output: 0.328}, Capabilities: []string{"reasoning", "thinking"}, Type: "both", Tier: "budget"},
	{ID: "moonshotai/kimi-k2-thinking", Name: "Kimi K2 Thinking", Pricing: Pricing{Input: 0.45, Output: 2.35}, Capabilities: []string{"thinking", "long-context"}, Type: "chairman", Tier: "budget"},
	{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", Pricing: Pricing{Input: 0.3, Output: 2.5}, Capabilities: []string{"fast"}, Type: "both", Tier: "mid"},
	{ID: "google/gemini-2.5-flash-lite", Name: "Gemini 2.5 Flash Lite", Pricing: Pricing{Input: 0.1, Output: 0.4}, Capabilities: []string{"fast"}, Type: "council", Tier: "budget"},
	{ID: "openai/gpt-4.1-mini", Name: "GPT-4.1 Mini", Pricing: Pricing{Input: 0.2, Output: 0.8}, Capabilities: []string{"generalist"}, Type: "council", Tier: "budget"},
}

// modelTierPreferences lists preferred models per tier, best first. Used by
// the budget router's model-tier hint when picking a chairman.
var modelTierPreferences = map[string][]string{
	"budget":  {"google/gemini-2.5-flash-lite", "openai/gpt-4.1-mini", "x-ai/grok-4-fast"},
	"mid":     {"google/gemini-2.5-flash", "openai/gpt-5.1", "anthropic/claude-sonnet-4.5"},
	"premium": {"openai/gpt-5.2", "anthropic/claude-opus-4.5", "google/gemini-3-pro-preview"},
}

// tierMaxInputPrice is the input $/M ceiling a model may cost and still be
// considered acceptable for a tier.
var tierMaxInputPrice = map[string]float64{
	"budget":  0.5,
	"mid":     3.0,
	"premium": 20.0,
}

// Registry is an immutable lookup over the curated model list.
type Registry struct {
	models []Model
	byID   map[string]Model
}

// NewRegistry builds a registry from a model list.
func NewRegistry(models []Model) *Registry {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	out := make([]Model, len(models))
	copy(out, models)
	return &Registry{models: out, byID: byID}
}

// modelRegistry is the process-wide registry. A config overlay may replace
// it at startup; after that it is read-only.
var modelRegistry = NewRegistry(curatedModels)

// Models returns a copy of the registry contents.
func (r *Registry) Models() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// Lookup finds a model by id.
func (r *Registry) Lookup(id string) (Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// PricingFor returns the model's pricing, or the conservative default for
// models the registry doesn't know.
func (r *Registry) PricingFor(id string) Pricing {
	if m, ok := r.byID[id]; ok {
		return m.Pricing
	}
	return defaultPricing
}

// WithPricing returns a new registry with pricing overridden per id where
// the live catalog has fresher numbers.
func (r *Registry) WithPricing(live map[string]Pricing) *Registry {
	models := r.Models()
	for i := range models {
		if p, ok := live[models[i].ID]; ok {
			models[i].Pricing = p
		}
	}
	return NewRegistry(models)
}

// SelectChairmanForTier keeps the current chairman when it fits the tier,
// otherwise falls back to the tier's first preferred model.
func SelectChairmanForTier(tier, current string) string {
	preferred := modelTierPreferences[tier]
	if preferred == nil {
		preferred = modelTierPreferences["mid"]
		tier = "mid"
	}

	for _, id := range preferred {
		if id == current {
			return current
		}
	}

	if current != "" {
		if m, ok := modelRegistry.Lookup(current); ok {
			if m.Pricing.Input <= tierMaxInputPrice[tier] {
				return current
			}
		}
	}

	if len(preferred) > 0 {
		return preferred[0]
	}
	return FastModel
}

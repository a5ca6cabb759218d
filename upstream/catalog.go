package upstream

import (
	"fmt"
	"sort"
	"strings"
)

// Provider identifiers understood by the dispatcher when routing a model.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultModel is used when a caller does not name a model.
const DefaultModel = "Claude-3.5-Sonnet"

// ModelInfo describes one entry of the model catalog: the public name
// callers use, the provider that serves it, the identifier that provider's
// API expects and capability metadata surfaced by get_model_info.
type ModelInfo struct {
	Name             string `json:"name"`
	Provider         string `json:"provider"`
	UpstreamID       string `json:"upstream_id"`
	Description      string `json:"description"`
	ContextLength    int    `json:"context_length"`
	SupportsImages   bool   `json:"supports_images"`
	SupportsThinking bool   `json:"supports_thinking"`
}

// catalog is the static model table. Lookups are case-insensitive on Name.
var catalog = []ModelInfo{
	{
		Name:             "Claude-3.5-Sonnet",
		Provider:         ProviderAnthropic,
		UpstreamID:       "claude-3-5-sonnet-20241022",
		Description:      "Anthropic's Claude 3.5 Sonnet model",
		ContextLength:    200000,
		SupportsImages:   true,
		SupportsThinking: false,
	},
	{
		Name:             "Claude-3.7-Sonnet",
		Provider:         ProviderAnthropic,
		UpstreamID:       "claude-3-7-sonnet-20250219",
		Description:      "Anthropic's Claude 3.7 Sonnet model with extended thinking",
		ContextLength:    200000,
		SupportsImages:   true,
		SupportsThinking: true,
	},
	{
		Name:             "Claude-3-Opus-200k",
		Provider:         ProviderAnthropic,
		UpstreamID:       "claude-3-opus-20240229",
		Description:      "Anthropic's Claude 3 Opus model with 200k context",
		ContextLength:    200000,
		SupportsImages:   true,
		SupportsThinking: false,
	},
	{
		Name:             "Claude-3-Haiku-3k",
		Provider:         ProviderAnthropic,
		UpstreamID:       "claude-3-haiku-20240307",
		Description:      "Anthropic's Claude 3 Haiku model",
		ContextLength:    200000,
		SupportsImages:   true,
		SupportsThinking: false,
	},
	{
		Name:             "GPT-4o",
		Provider:         ProviderOpenAI,
		UpstreamID:       "gpt-4o",
		Description:      "OpenAI's GPT-4o model",
		ContextLength:    128000,
		SupportsImages:   true,
		SupportsThinking: false,
	},
	{
		Name:             "GPT-4o-Mini",
		Provider:         ProviderOpenAI,
		UpstreamID:       "gpt-4o-mini",
		Description:      "OpenAI's GPT-4o mini model",
		ContextLength:    128000,
		SupportsImages:   true,
		SupportsThinking: false,
	},
	{
		Name:             "GPT-4",
		Provider:         ProviderOpenAI,
		UpstreamID:       "gpt-4",
		Description:      "OpenAI's GPT-4 model",
		ContextLength:    32000,
		SupportsImages:   true,
		SupportsThinking: false,
	},
	{
		Name:             "GPT-3.5-Turbo",
		Provider:         ProviderOpenAI,
		UpstreamID:       "gpt-3.5-turbo",
		Description:      "OpenAI's GPT-3.5 Turbo model",
		ContextLength:    16000,
		SupportsImages:   false,
		SupportsThinking: false,
	},
}

// Models returns the catalog sorted by public name.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelNames returns the public names of all catalog entries, sorted.
func ModelNames() []string {
	models := Models()
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names
}

// Lookup resolves a public model name to its catalog entry. Matching is
// case-insensitive. An empty name resolves to DefaultModel.
func Lookup(name string) (ModelInfo, error) {
	if name == "" {
		name = DefaultModel
	}
	for _, m := range catalog {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return ModelInfo{}, fmt.Errorf("unknown model: %s", name)
}

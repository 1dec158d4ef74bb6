package embedding

import "fmt"

// Config carries the subset of application configuration needed to choose
// and construct an embedding Provider.
type Config struct {
	Provider   string // "auto", "openai", "ollama", or "noop"
	OpenAIKey  string
	Model      string
	Dimensions int
	OllamaURL  string
	OllamaModel string
}

// Select constructs the Provider named by cfg.Provider. "auto" prefers
// OpenAI when an API key is present, falls back to Ollama, and finally to
// a no-op provider that always reports ErrNoProvider so the embedding
// worker treats the deployment as having no embedder configured.
func Select(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIKey, cfg.Model, cfg.Dimensions)
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.Dimensions), nil
	case "noop":
		return NewNoopProvider(cfg.Dimensions), nil
	case "auto", "":
		if cfg.OpenAIKey != "" {
			return NewOpenAIProvider(cfg.OpenAIKey, cfg.Model, cfg.Dimensions)
		}
		if cfg.OllamaURL != "" {
			return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.Dimensions), nil
		}
		return NewNoopProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

package llm

import (
	"context"
	"strings"
)

// ProviderID identifies a transport family.
type ProviderID string

const (
	ProviderGemini    ProviderID = "gemini"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderOpenAI    ProviderID = "openai"
)

// Transport is one provider backend. Implementations are stateless; the
// key is passed per call so the router can rotate pools freely.
type Transport interface {
	Provider() ProviderID
	Generate(ctx context.Context, apiKey, model string, req *Request) (*Response, error)
}

// DetectProvider infers the transport family from the model name prefix.
// Unknown prefixes route to the OpenAI-compatible transport, mirroring how
// gateway models are addressed.
func DetectProvider(model string) ProviderID {
	name := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(name, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(name, "gemini"):
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

// NormalizeModel strips a "provider/" routing prefix (e.g. gateway-style
// "gemini/gemini-2.0-flash") leaving the bare model name.
func NormalizeModel(model string) string {
	name := strings.TrimSpace(model)
	if idx := strings.Index(name, "/"); idx >= 0 {
		stripped := name[idx+1:]
		if stripped != "" {
			return stripped
		}
	}
	return name
}

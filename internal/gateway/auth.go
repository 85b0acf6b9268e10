package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// applyProviderAuth injects the credential secret using the header scheme
// each provider expects. The secret never goes anywhere else.
func applyProviderAuth(headers http.Header, provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("missing API key for provider %q", provider)
	}
	switch provider {
	case "anthropic":
		headers.Set("x-api-key", key)
		headers.Set("anthropic-version", "2023-06-01")
	case "openai", "mistral", "groq", "openrouter":
		headers.Set("Authorization", "Bearer "+key)
	default:
		// Unlisted providers get bearer auth, the de-facto default for
		// OpenAI-compatible upstreams.
		headers.Set("Authorization", "Bearer "+key)
	}
	return nil
}

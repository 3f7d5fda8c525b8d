package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ResolutionFor derives a human remediation hint from a provider error.
func ResolutionFor(err error, model string) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "does not support embeddings"),
		strings.Contains(msg, "not an embedding model"),
		strings.Contains(msg, "embedding not supported"):
		return fmt.Sprintf("Model %q cannot produce embeddings. Switch to an embedding model such as nomic-embed-text.", model)
	case strings.Contains(msg, "not found") && (strings.Contains(msg, "model") || strings.Contains(msg, "pull")):
		return fmt.Sprintf("The model is not installed. Run: ollama pull %s", model)
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "incorrect api key"):
		return "The service rejected the API key. Check embedding.openai.api_key."
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "dial tcp"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"):
		return "The embedding service is unreachable. Make sure it is running (for Ollama: ollama serve) and the host setting is correct."
	}
	return "Check the embedding provider settings and the service logs."
}

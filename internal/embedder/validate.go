package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// requirement is one setting a backend cannot run without. Any of envs
// satisfies it; the first is the one named in the error.
type requirement struct {
	what string
	envs []string
}

// backendRequirements lists, per embedding backend, the settings Validate
// insists on. Ollama runs locally and needs none.
var backendRequirements = map[string][]requirement{
	"ollama": nil,
	"openai": {
		{"OpenAI API key", []string{"OPENAI_API_KEY", "EMBEDDING_API_KEY"}},
	},
	"azure": {
		{"Azure API key", []string{"AZURE_OPENAI_API_KEY", "EMBEDDING_API_KEY"}},
		{"Azure endpoint", []string{"AZURE_OPENAI_ENDPOINT", "EMBEDDING_ENDPOINT"}},
	},
	"gemini": {
		{"Google API key", []string{"GOOGLE_API_KEY", "EMBEDDING_API_KEY"}},
	},
}

// chatModelMarkers are name fragments of chat/completion models. A model
// whose name contains "embed" is never treated as a chat model.
var chatModelMarkers = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama2", "llama3", "llama-2", "llama-3",
	"mistral", "mixtral", "gemma", "phi3", "phi-",
	"claude", "command-r", "deepseek", "qwen", "gemini-",
}

// looksLikeChatModel reports whether model is probably not an embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") {
		return false
	}
	for _, m := range chatModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Validate checks the embedding configuration before any corpus text is
// embedded. Missing credentials, an unknown backend or a malformed
// EMBEDDING_DIMENSIONS are errors; an implicit backend or a chat-looking
// EMBEDDING_MODEL only produce warnings.
func Validate(log *slog.Logger) error {
	backend := Backend()

	reqs, known := backendRequirements[backend]
	if backend == "ark" && os.Getenv("EMBEDDING_PROVIDER") == "" {
		return fmt.Errorf("embedder: ark has no embedding backend, set EMBEDDING_PROVIDER")
	}
	if !known {
		return fmt.Errorf("embedder: unknown backend %q (valid: ollama, openai, azure, gemini)", backend)
	}
	for _, r := range reqs {
		if firstEnv(r.envs...) == "" {
			return fmt.Errorf("embedder: no %s found, set %s", r.what, strings.Join(r.envs, " or "))
		}
	}

	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return fmt.Errorf("embedder: EMBEDDING_DIMENSIONS must be a positive integer, got %q", v)
		}
	}

	if backend != "ollama" && os.Getenv("EMBEDDING_PROVIDER") == "" {
		log.Warn("embedder: EMBEDDING_PROVIDER not set, using MODEL_PROVIDER",
			slog.String("backend", backend),
		)
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model",
			slog.String("model", model),
			slog.String("hint", "use an embedding model such as nomic-embed-text or text-embedding-3-small"),
		)
	}
	return nil
}

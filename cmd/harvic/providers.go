package main

import (
	"log/slog"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/harvic/internal/config"
	"github.com/MrWong99/harvic/pkg/provider/live"
	"github.com/MrWong99/harvic/pkg/provider/live/gemini"
	"github.com/MrWong99/harvic/pkg/provider/llm"
	"github.com/MrWong99/harvic/pkg/provider/llm/anyllm"
	"github.com/MrWong99/harvic/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry, apiKey string) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.Voice != "" {
			opts = append(opts, gemini.WithVoice(entry.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "queue_size"); n > 0 {
			opts = append(opts, gemini.WithQueueSize(n))
		}
		return gemini.New(apiKey, opts...), nil
	})

	// ── Chat ──────────────────────────────────────────────────────────────────

	// openai uses the official SDK so that base_url can point at any
	// compatible server.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry, apiKey string) (llm.Provider, error) {
		if !usesSharedKey("openai", entry) {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if _, ok := entry.Options["max_retries"]; ok {
			opts = append(opts, openai.WithMaxRetries(optInt(entry.Options, "max_retries")))
		}
		return openai.New(apiKey, entry.Model, opts...)
	})

	// The rest share the any-llm-go pattern: optional key + optional base URL.
	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry, apiKey string) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if apiKey != "" && usesSharedKey(name, entry) {
				opts = append(opts, anyllmlib.WithAPIKey(apiKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	slog.Debug("registered providers", "live", reg.LiveNames(), "chat", reg.LLMNames())
}

// usesSharedKey reports whether apiKey applies to the backend. The shared
// credential is a Gemini key; other backends only get an explicit entry
// key and otherwise read their own environment variable.
func usesSharedKey(backend string, entry config.ProviderEntry) bool {
	return entry.APIKey != "" || backend == config.DefaultChatProvider
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML
// decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

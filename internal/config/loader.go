package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// ErrCredentialMissing is returned by [Config.APIKey] when no API key is
// configured anywhere.
var ErrCredentialMissing = errors.New("config: API key missing")

// Environment variables consulted for the API key, in order.
const (
	EnvAPIKey       = "HARVIC_API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLiveProvider  = "gemini"
	DefaultLiveModel     = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultLiveVoice     = "Zephyr"
	DefaultChatProvider  = "gemini"
	DefaultChatModel     = "gemini-3-flash-preview"
	DefaultHistoryTokens = 8000
	DefaultSoundGain     = 0.2
	DefaultListenAddr    = "127.0.0.1:9464"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini"},
	"chat": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

var validBackends = []string{"sqlite", "postgres", "memory"}

var validVideoSources = []string{"pattern", "directory"}

// DefaultPath returns $XDG_CONFIG_HOME/harvic/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "harvic", "config.yaml")
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path does not
// exist and optional is set. The CLI passes optional for the default path
// so that harvic runs without a config file.
func LoadOrDefault(path string, optional bool) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if optional && errors.Is(err, fs.ErrNotExist) {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	return nil, err
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	live := &cfg.Providers.Live
	if live.Name == "" {
		live.Name = DefaultLiveProvider
	}
	if live.Name == DefaultLiveProvider {
		if live.Model == "" {
			live.Model = DefaultLiveModel
		}
		if live.Voice == "" {
			live.Voice = DefaultLiveVoice
		}
	}

	chat := &cfg.Providers.Chat
	if chat.Name == "" {
		chat.Name = DefaultChatProvider
	}
	if chat.Name == DefaultChatProvider && chat.Model == "" {
		chat.Model = DefaultChatModel
	}
	if cfg.Chat.HistoryTokens == 0 {
		cfg.Chat.HistoryTokens = DefaultHistoryTokens
	}

	if cfg.Audio.SoundGain == 0 {
		cfg.Audio.SoundGain = DefaultSoundGain
	}

	if cfg.Video.Source == "" {
		cfg.Video.Source = "pattern"
	}
	if cfg.Video.FPS == 0 {
		cfg.Video.FPS = 1
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("chat", cfg.Providers.Chat.Name)
	if cfg.Providers.Chat.Name != "" && cfg.Providers.Chat.Model == "" {
		errs = append(errs, fmt.Errorf("providers.chat.model is required for provider %q", cfg.Providers.Chat.Name))
	}

	// Chat
	if cfg.Chat.HistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.history_tokens %d must not be negative", cfg.Chat.HistoryTokens))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}

	// Audio
	if cfg.Audio.PreopenBacklog < 0 {
		errs = append(errs, fmt.Errorf("audio.preopen_backlog %d must not be negative", cfg.Audio.PreopenBacklog))
	}
	if cfg.Audio.SoundGain < 0 || cfg.Audio.SoundGain > 1 {
		errs = append(errs, fmt.Errorf("audio.sound_gain %.2f is out of range [0, 1]", cfg.Audio.SoundGain))
	}

	// Video
	if cfg.Video.Source != "" && !slices.Contains(validVideoSources, cfg.Video.Source) {
		errs = append(errs, fmt.Errorf("video.source %q is invalid; valid values: %s", cfg.Video.Source, strings.Join(validVideoSources, ", ")))
	}
	if cfg.Video.Enabled && cfg.Video.Source == "directory" && cfg.Video.Dir == "" {
		errs = append(errs, errors.New("video.dir is required when video.source is directory"))
	}
	if cfg.Video.Quality < 0 || cfg.Video.Quality > 100 {
		errs = append(errs, fmt.Errorf("video.quality %d is out of range [1, 100]", cfg.Video.Quality))
	}
	if cfg.Video.FPS < 0 || cfg.Video.FPS > 30 {
		errs = append(errs, fmt.Errorf("video.fps %.2f is out of range (0, 30]", cfg.Video.FPS))
	}
	if cfg.Video.Width < 0 || cfg.Video.Height < 0 {
		errs = append(errs, errors.New("video.width and video.height must not be negative"))
	}

	// Storage
	if cfg.Storage.Backend != "" && !slices.Contains(validBackends, cfg.Storage.Backend) {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: %s", cfg.Storage.Backend, strings.Join(validBackends, ", ")))
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}
	if cfg.Storage.Backend == "memory" {
		slog.Warn("storage.backend is memory; chat history will not survive a restart")
	}

	return errors.Join(errs...)
}

// APIKey resolves the shared API key from the environment, then the
// credentials section. It returns [ErrCredentialMissing] when none is set.
func (c *Config) APIKey() (string, error) {
	return c.ResolveAPIKey(os.Getenv)
}

// ResolveAPIKey is [Config.APIKey] with an injectable environment lookup.
func (c *Config) ResolveAPIKey(getenv func(string) string) (string, error) {
	for _, env := range []string{EnvAPIKey, EnvGeminiAPIKey} {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(c.Credentials.APIKey); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: set %s or credentials.api_key", ErrCredentialMissing, EnvAPIKey)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

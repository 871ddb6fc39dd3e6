package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/harvic/internal/config"
	"github.com/MrWong99/harvic/pkg/provider/live"
	livemock "github.com/MrWong99/harvic/pkg/provider/live/mock"
	"github.com/MrWong99/harvic/pkg/provider/llm"
	llmmock "github.com/MrWong99/harvic/pkg/provider/llm/mock"
)

const validYAML = `
server:
  listen_addr: "127.0.0.1:9464"
  log_level: debug
credentials:
  api_key: from-file
providers:
  live:
    name: gemini
    voice: Puck
  chat:
    name: openai
    model: gpt-4o-mini
    base_url: http://localhost:11434/v1
persona:
  system_prompt: "You are a ship computer. Address {user} formally."
  labels:
    talking: Transmitting
chat:
  history_tokens: 2000
  temperature: 0.7
audio:
  barge_in: false
  preopen_backlog: 4
video:
  enabled: true
  source: directory
  dir: /tmp/frames
  fps: 2
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/harvic
`

// ── Loading ───────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.Live.Voice != "Puck" {
		t.Errorf("live voice = %q", cfg.Providers.Live.Voice)
	}
	if cfg.Providers.Live.Model != config.DefaultLiveModel {
		t.Errorf("live model = %q, want default", cfg.Providers.Live.Model)
	}
	if cfg.Providers.Chat.Model != "gpt-4o-mini" {
		t.Errorf("chat model = %q", cfg.Providers.Chat.Model)
	}
	if cfg.Persona.Labels.Talking != "Transmitting" {
		t.Errorf("talking label = %q", cfg.Persona.Labels.Talking)
	}
	if cfg.Audio.BargeInEnabled() {
		t.Error("barge_in should be disabled")
	}
	if cfg.Audio.PreopenBacklog != 4 {
		t.Errorf("preopen_backlog = %d", cfg.Audio.PreopenBacklog)
	}
	if !cfg.Audio.SoundsEnabled() {
		t.Error("sounds should default to enabled")
	}
	if cfg.Video.FPS != 2 || cfg.Video.Source != "directory" {
		t.Errorf("video = %+v", cfg.Video)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Providers.Live.Name != "gemini" || cfg.Providers.Live.Voice != "Zephyr" {
		t.Errorf("live = %+v", cfg.Providers.Live)
	}
	if cfg.Providers.Chat.Name != "gemini" || cfg.Providers.Chat.Model != "gemini-3-flash-preview" {
		t.Errorf("chat = %+v", cfg.Providers.Chat)
	}
	if !cfg.Audio.BargeInEnabled() {
		t.Error("barge_in should default to enabled")
	}
	if cfg.Audio.PreopenBacklog != 0 {
		t.Errorf("preopen_backlog = %d, want 0", cfg.Audio.PreopenBacklog)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Video.Enabled {
		t.Error("video should default to disabled")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  bargein: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()
	missing := t.TempDir() + "/nope.yaml"

	cfg, err := config.LoadOrDefault(missing, true)
	if err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q, want defaults", cfg.Storage.Backend)
	}

	if _, err := config.LoadOrDefault(missing, false); err == nil {
		t.Error("expected error for required missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Providers.Live.Name != "gemini" || !cfg.Audio.BargeInEnabled() {
		t.Errorf("unexpected example values: %+v", cfg.Providers.Live)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"backend", "storage:\n  backend: redis\n", "storage.backend"},
		{"postgres dsn", "storage:\n  backend: postgres\n", "postgres_dsn"},
		{"video source", "video:\n  source: webcam\n", "video.source"},
		{"video dir", "video:\n  enabled: true\n  source: directory\n", "video.dir"},
		{"video quality", "video:\n  quality: 101\n", "video.quality"},
		{"video fps", "video:\n  fps: 60\n", "video.fps"},
		{"backlog", "audio:\n  preopen_backlog: -1\n", "preopen_backlog"},
		{"sound gain", "audio:\n  sound_gain: 3\n", "sound_gain"},
		{"temperature", "chat:\n  temperature: 5\n", "chat.temperature"},
		{"chat model", "providers:\n  chat:\n    name: anthropic\n", "providers.chat.model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nstorage:\n  backend: redis\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "storage.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}

// ── Credentials ───────────────────────────────────────────────────────────────

func TestResolveAPIKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		want    string
		missing bool
	}{
		{name: "harvic env wins", env: map[string]string{config.EnvAPIKey: "a", config.EnvGeminiAPIKey: "b"}, file: "c", want: "a"},
		{name: "gemini env", env: map[string]string{config.EnvGeminiAPIKey: "b"}, file: "c", want: "b"},
		{name: "config file", file: " c ", want: "c"},
		{name: "blank env ignored", env: map[string]string{config.EnvAPIKey: "  "}, file: "c", want: "c"},
		{name: "missing", missing: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Credentials: config.CredentialsConfig{APIKey: tt.file}}
			got, err := cfg.ResolveAPIKey(func(k string) string { return tt.env[k] })
			if tt.missing {
				if !errors.Is(err, config.ErrCredentialMissing) {
					t.Fatalf("err = %v, want ErrCredentialMissing", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ResolveAPIKey = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "nonexistent"}, "k"); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"}, "k"); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantLive := &livemock.Provider{}
	wantLLM := &llmmock.Provider{}

	var gotKey string
	reg.RegisterLive("stub", func(e config.ProviderEntry, key string) (live.Provider, error) {
		gotKey = key
		return wantLive, nil
	})
	reg.RegisterLLM("stub", func(e config.ProviderEntry, key string) (llm.Provider, error) {
		gotKey = key
		return wantLLM, nil
	})

	p, err := reg.CreateLive(config.ProviderEntry{Name: "stub"}, "shared")
	if err != nil || p != wantLive {
		t.Fatalf("CreateLive = %v, %v", p, err)
	}
	if gotKey != "shared" {
		t.Errorf("key = %q, want shared", gotKey)
	}

	l, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", APIKey: "own"}, "shared")
	if err != nil || l != wantLLM {
		t.Fatalf("CreateLLM = %v, %v", l, err)
	}
	if gotKey != "own" {
		t.Errorf("key = %q, want entry key", gotKey)
	}

	if names := reg.LiveNames(); len(names) != 1 || names[0] != "stub" {
		t.Errorf("LiveNames = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterLLM("bad", func(config.ProviderEntry, string) (llm.Provider, error) { return nil, boom })
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "bad"}, ""); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

// ── Diff ─────────────────────────────────────────────────────────────────────

func TestDiff(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg
	}

	if d := config.Diff(base(), base()); !d.Empty() {
		t.Errorf("identical configs: %+v", d)
	}

	next := base()
	next.Server.LogLevel = config.LogDebug
	next.Persona.Labels.Talking = "Transmitting"
	off := false
	next.Audio.BargeIn = &off
	next.Storage.Backend = "memory"

	d := config.Diff(base(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.PersonaChanged {
		t.Error("persona change not detected")
	}
	want := []string{"audio", "storage"}
	if strings.Join(d.RestartRequired, ",") != strings.Join(want, ",") {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_BargeInPointerEquivalence(t *testing.T) {
	t.Parallel()
	on := true
	a := &config.Config{}
	b := &config.Config{Audio: config.AudioConfig{BargeIn: &on}}
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("unset and true barge_in should be equal: %+v", d)
	}
}

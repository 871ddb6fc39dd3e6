// Command harvic is a terminal assistant for realtime voice calls and
// streamed text chats with a live multimodal model.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/harvic/internal/app"
	"github.com/MrWong99/harvic/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "harvic: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags and the state loaded from them.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg   *config.Config
	level *slog.LevelVar

	// appOptions are passed to every app.New; tests inject fakes here.
	appOptions []app.Option
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	opts.level = new(slog.LevelVar)
	cmd := &cobra.Command{
		Use:           "harvic",
		Short:         "Voice calls and text chats with a live multimodal model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.Flags().Changed("config"))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	cmd.AddCommand(
		newCallCmd(opts),
		newChatCmd(opts),
		newSessionsCmd(opts),
		newWhoamiCmd(opts),
		newServeCmd(opts),
		newDevicesCmd(opts),
	)
	return cmd
}

// load reads the config and installs the logger. The default path is
// optional; an explicit --config must exist.
func (o *rootOptions) load(explicit bool) error {
	cfg, err := config.LoadOrDefault(o.configPath, !explicit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", o.configPath)
		}
		return err
	}
	if o.logLevel != "" {
		lvl := config.LogLevel(strings.ToLower(o.logLevel))
		if !lvl.IsValid() {
			return fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", o.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	o.cfg = cfg
	o.level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: o.level})))
	slog.Debug("config loaded", "path", o.configPath, "log_level", cfg.Server.LogLevel)
	return nil
}

// newApp builds the application for one command run. The returned cleanup
// shuts it down.
func (o *rootOptions) newApp(ctx context.Context, opts ...app.Option) (*app.App, func(), error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	a, err := app.New(ctx, o.cfg, reg, append(slices.Clone(o.appOptions), opts...)...)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}
	return a, cleanup, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

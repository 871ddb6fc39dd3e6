package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/harvic/internal/app"
	"github.com/MrWong99/harvic/internal/config"
	"github.com/MrWong99/harvic/internal/observe"
)

// version is reported in telemetry.
var version = "dev"

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnostics listener and watch the config file",
		Long: `Serves /metrics, /healthz and /readyz. When the config file exists it is
watched: log level and persona changes apply immediately, other changes are
reported as needing a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			stopTelemetry, err := initTelemetry(ctx)
			if err != nil {
				return err
			}
			defer stopTelemetry()

			a, cleanup, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			addr := listen
			if addr == "" {
				addr = opts.cfg.Server.ListenAddr
			}
			if addr == "" {
				addr = config.DefaultListenAddr
			}

			var loops []func(context.Context) error
			w, err := opts.watcher(a)
			if err != nil {
				return err
			}
			if w != nil {
				loops = append(loops, w.Run)
			}
			return a.Serve(ctx, addr, loops...)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_addr)")
	return cmd
}

// watcher returns a config watcher that applies hot-reloadable changes to
// a, or nil when there is no config file to watch.
func (o *rootOptions) watcher(a *app.App) (*config.Watcher, error) {
	if _, err := os.Stat(o.configPath); errors.Is(err, fs.ErrNotExist) {
		slog.Info("no config file to watch", "path", o.configPath)
		return nil, nil
	}
	return config.NewWatcher(o.configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged && o.logLevel == "" {
			o.level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PersonaChanged {
			a.SetPersona(next.Persona)
			slog.Info("persona reloaded")
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "sections", d.RestartRequired)
		}
	})
}

// initTelemetry installs the OTel providers behind /metrics.
func initTelemetry(ctx context.Context) (func(), error) {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}, nil
}

// withDiagnostics runs fn while serving diagnostics on the configured
// listen address. An empty address runs fn alone. A listener failure is
// logged and does not stop fn.
func (o *rootOptions) withDiagnostics(ctx context.Context, a *app.App, fn func(context.Context) error) error {
	addr := o.cfg.Server.ListenAddr
	if addr == "" {
		return fn(ctx)
	}
	stopTelemetry, err := initTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Serve(gctx, addr); err != nil {
			slog.Warn("diagnostics unavailable", "addr", addr, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}

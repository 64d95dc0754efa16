package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meli/internal/config"
	"github.com/MrWong99/meli/internal/dashboard"
	"github.com/MrWong99/meli/internal/events"
	"github.com/MrWong99/meli/internal/health"
	"github.com/MrWong99/meli/internal/meter"
	"github.com/MrWong99/meli/internal/observe"
	"github.com/MrWong99/meli/internal/resilience"
	"github.com/MrWong99/meli/internal/session"
	"github.com/MrWong99/meli/pkg/audio/device"
	"github.com/MrWong99/meli/pkg/provider/live"
)

const shutdownTimeout = 10 * time.Second

type liveFlags struct {
	record      string
	listen      string
	provider    string
	autoConnect bool
}

func newLiveCmd() *cobra.Command {
	var f liveFlags
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run the live voice link",
		Long: `Run the live voice link.

Starts the dashboard (when server.listen_addr is set) and, with auto-connect,
opens a session immediately. Without a dashboard the command connects at once
and exits when the session ends.

Examples:
  meli live
  meli live -c meli.yaml --record session.wav
  meli live --provider openai --listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr = f.listen
			}
			if cmd.Flags().Changed("provider") {
				cfg.Provider.Name = f.provider
				cfg.Provider.APIKey = ""
				config.ApplyEnv(cfg, os.Getenv)
			}
			if cmd.Flags().Changed("auto-connect") {
				cfg.Session.AutoConnect = f.autoConnect
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runLive(cmd.Context(), cfg, path, f.record)
		},
	}
	cmd.Flags().StringVar(&f.record, "record", "", "also write playback to this WAV file")
	cmd.Flags().StringVar(&f.listen, "listen", "", "dashboard listen address (overrides server.listen_addr)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "live provider name (overrides provider.name)")
	cmd.Flags().BoolVar(&f.autoConnect, "auto-connect", false, "connect as soon as the link is up")
	return cmd
}

func runLive(parent context.Context, cfg *config.Config, path, record string) error {
	if parent == nil {
		parent = context.Background()
	}
	var lv slog.LevelVar
	logger := newLogger(cfg.Server.LogLevel, &lv)
	slog.SetDefault(logger)

	slog.Info("meli starting",
		"version", version,
		"config", path,
		"provider", cfg.Provider.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Devices and provider ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)
	provider, err := reg.CreateProvider(cfg.Provider)
	if err != nil {
		return err
	}
	mic, err := device.NewMicrophone(string(cfg.Capture.Device), cfg.Capture.Path)
	if err != nil {
		return err
	}
	speaker, err := device.NewSpeaker(string(cfg.Playback.Device), cfg.Playback.Path)
	if err != nil {
		return err
	}
	if record != "" {
		speaker = device.TeeSpeaker{Primary: speaker, Secondary: device.WAVSpeaker{Path: record}}
		slog.Info("recording playback", "path", record)
	}

	// ── Engine ───────────────────────────────────────────────────────────────
	bus := events.NewBus(events.WithLogger(logger))
	hub := dashboard.NewHub()
	extractor := meter.New(
		meter.WithFPS(cfg.Meter.FPS),
		meter.WithThreshold(cfg.Meter.Threshold),
		meter.WithLogger(logger),
	)
	breaker := resilience.New(resilience.Config{
		Name:        provider.Name(),
		MaxFailures: cfg.Session.Breaker.MaxFailures,
		Cooldown:    cfg.Session.Breaker.Cooldown,
		Probes:      cfg.Session.Breaker.Probes,
	},
		resilience.WithLogger(logger),
		resilience.WithOnStateChange(func(_, to resilience.State) {
			if to == resilience.StateOpen {
				bus.Publish("session", events.SeverityError, "handshake failing repeatedly, pausing connection attempts")
			}
		}),
	)

	headless := cfg.Server.ListenAddr == ""
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr, err := session.New(session.Config{
		Provider:   provider,
		Microphone: mic,
		Speaker:    speaker,
		Session: live.SessionConfig{
			Voice:        cfg.Provider.Voice,
			Instructions: cfg.Provider.Instructions,
			Transcribe:   cfg.Provider.Transcribe,
		},
		Constraints:      cfg.Capture.Constraints(),
		FrameSize:        cfg.Capture.FrameSize,
		PlaybackRate:     cfg.Playback.SampleRate,
		BufferFrames:     cfg.Playback.BufferFrames,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
	},
		session.WithLogger(logger),
		session.WithEvents(bus),
		session.WithMeter(extractor),
		session.WithSampleSink(hub.Publish),
		session.WithBreaker(breaker),
		session.WithOnStateChange(func(_, to session.State) {
			// Without a dashboard nothing can reconnect; end the process
			// with the session.
			if headless && to == session.StateClosed {
				cancel()
			}
		}),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Config hot reload ────────────────────────────────────────────────────
	if path != "" {
		w, err := config.NewWatcher(path, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error {
				return w.Run(gctx, func(r config.Reload) { applyReload(r.Diff, &lv, extractor) })
			})
		}
	}

	// ── Dashboard ────────────────────────────────────────────────────────────
	if !headless {
		srv := &http.Server{
			Addr: cfg.Server.ListenAddr,
			Handler: dashboard.New(mgr, bus, hub,
				dashboard.WithLogger(logger),
				dashboard.WithHealth(health.New(health.Session(mgr), health.Breaker(mgr.Breaker()))),
				dashboard.WithMetricsHandler(tel.Handler()),
			).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("dashboard listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
			var err error
			if tls := cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Session ──────────────────────────────────────────────────────────────
	if headless || cfg.Session.AutoConnect {
		g.Go(func() error {
			err := mgr.Connect(gctx)
			if err == nil || !headless {
				if err != nil {
					slog.Warn("auto-connect failed, waiting for the dashboard", "err", err)
				}
				return nil
			}
			return err
		})
	}

	slog.Info("meli ready, press Ctrl+C to stop")
	<-gctx.Done()

	slog.Info("shutting down")
	if err := mgr.Disconnect(); err != nil {
		slog.Warn("session teardown reported errors", "err", err)
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(d config.ConfigDiff, lv *slog.LevelVar, ext *meter.Extractor) {
	if d.LogLevelChanged {
		lv.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MeterFPSChanged {
		ext.SetFPS(d.NewMeterFPS)
	}
	if d.SessionChanged {
		slog.Warn("provider, device or session settings changed; restart meli to apply them")
	}
}

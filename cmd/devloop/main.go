package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/api"
	"github.com/carlosprados/devloop/internal/config"
	"github.com/carlosprados/devloop/internal/devtools"
	"github.com/carlosprados/devloop/internal/events"
	"github.com/carlosprados/devloop/internal/filewatch"
	"github.com/carlosprados/devloop/internal/graceful"
	"github.com/carlosprados/devloop/internal/overrides"
	"github.com/carlosprados/devloop/internal/remote"
	"github.com/carlosprados/devloop/internal/resolver"
	"github.com/carlosprados/devloop/internal/restart"
	"github.com/carlosprados/devloop/internal/runtime"
	"github.com/carlosprados/devloop/internal/state"
	"github.com/carlosprados/devloop/internal/store"
	"github.com/carlosprados/devloop/internal/version"
)

func main() {
	cfgPath := flag.String("config", "", "Path to devloop.toml (defaults and DEVLOOP_* env when empty)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("devloop %s (%s)\n", version.Version, version.Commit)
		return
	}

	var extra []string
	if *cfgPath != "" {
		extra = append(extra, filepath.Dir(*cfgPath))
	}
	config.LoadDotEnvDefault(extra...)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devloop: %v\n", err)
		os.Exit(2)
	}
	setupLogging(cfg.Log)
	if err := runtime.ApplyRlimits(cfg.Runtime.OpenFiles); err != nil {
		log.Warn().Err(err).Msg("rlimit")
	}

	if err := run(cfg, flag.Args()); err != nil {
		log.Error().Err(err).Msg("devloop failed")
		os.Exit(1)
	}
}

func setupLogging(c config.LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func run(cfg *config.Config, args []string) error {
	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history := store.NewHistory(store.DefaultCapacity, cfg.StateDir)
	if history.Restore() {
		if last, ok := history.Last(); ok {
			log.Info().Str("cycle", last.ID).Str("outcome", last.Outcome).Msg("previous restart restored")
		}
	}

	external := externalPublishers(cfg.Events)
	strategy, err := devtools.NewPatternStrategy(excludes(cfg.Restart)...)
	if err != nil {
		return err
	}

	app := &demoApp{cfg: cfg}
	r := restart.Initialize(restart.Options{
		Args:                  args,
		ForceReferenceCleanup: cfg.Restart.ForceReferenceCleanup,
		Initializer:           initializer(cfg.Restart),
		Main:                  app.Main,
		MainName:              "devloop/demo",
		OnCycle: func(rep restart.CycleReport) {
			history.RecordCycle(rep)
			app.onCycle(rep)
		},
	})
	local, err := devtools.NewLocal(ctx, r, watchSettings(cfg), strategy, external...)
	if err != nil {
		return err
	}
	defer local.Close()
	app.setLocal(local)
	_, err = local.Bus().Subscribe(events.SubjectClassPathChanged, func(ev events.Event) {
		if cp, ok := ev.(events.ClassPathChangedEvent); ok && cp.RestartRequired {
			n := 0
			for _, cf := range cp.ChangeSet {
				n += cf.Len()
			}
			history.NoteChanges(n)
		}
	})
	if err != nil {
		return err
	}

	// First launch: through the restarter when enabled, directly otherwise.
	// Stopping an application that never ran is a no-op.
	if r.Enabled() {
		r.RestartAndWait(local.FailureHandler())
	} else {
		log.Warn().Msg("restart support disabled, running the application once")
		if err := app.runStatic(ctx, r); err != nil {
			return err
		}
	}
	r.Finish()

	apiSrv, err := startAPI(cfg, r, history, app)
	if err != nil {
		r.Shutdown()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining...")
	if err := apiSrv.Close(); err != nil {
		log.Warn().Err(err).Msg("api server close")
	}
	r.Shutdown()
	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(cfg.Server.GracePeriod.Duration + 5*time.Second):
		log.Warn().Msg("application did not stop in time")
	}
	log.Info().Msg("bye")
	return nil
}

func initializer(rc config.RestartConfig) restart.Initializer {
	switch {
	case !rc.Enabled:
		return restart.NoInitializer
	case len(rc.URLs) > 0:
		return restart.StaticInitializer(rc.URLs)
	default:
		return restart.EnvInitializer{}
	}
}

func excludes(rc config.RestartConfig) []string {
	out := rc.Exclude
	if len(out) == 0 {
		out = devtools.DefaultExcludes
	}
	return append(append([]string(nil), out...), rc.AdditionalExclude...)
}

func watchSettings(cfg *config.Config) devtools.Settings {
	s := devtools.Settings{
		PollInterval:    cfg.Restart.PollInterval.Duration,
		QuietPeriod:     cfg.Restart.QuietPeriod.Duration,
		TriggerFile:     cfg.Restart.TriggerFile,
		AdditionalPaths: cfg.Restart.AdditionalPaths,
		Notify:          cfg.Restart.Notify,
		ContentHash:     cfg.Restart.ContentHash,
	}
	switch cfg.Restart.SnapshotState {
	case "none":
		s.SnapshotState = filewatch.NoSnapshotState
	case "file":
		s.SnapshotState = state.NewFileSnapshotState(cfg.StateDir)
	}
	return s
}

func externalPublishers(ec config.EventsConfig) []events.Publisher {
	var out []events.Publisher
	if ec.NATSURL != "" {
		nc := events.DefaultNATSConfig()
		nc.URL = ec.NATSURL
		nc.Prefix = ec.SubjectPrefix
		if p, err := events.NewNATS(nc); err != nil {
			log.Warn().Err(err).Str("url", ec.NATSURL).Msg("nats publisher disabled")
		} else {
			out = append(out, p)
		}
	}
	if ec.MQTTBroker != "" {
		mc := events.DefaultMQTTConfig()
		mc.Broker = ec.MQTTBroker
		mc.Prefix = ec.SubjectPrefix
		if p, err := events.NewMQTT(mc); err != nil {
			log.Warn().Err(err).Str("broker", ec.MQTTBroker).Msg("mqtt publisher disabled")
		} else {
			out = append(out, p)
		}
	}
	return out
}

func startAPI(cfg *config.Config, r *restart.Restarter, history *store.History, app *demoApp) (*graceful.HTTPServer, error) {
	opts := api.Options{
		Restarter:  r,
		History:    history,
		Components: app.components,
		FailureHandler: func() restart.FailureHandler {
			if l := app.getLocal(); l != nil {
				return l.FailureHandler()
			}
			return restart.NoFailureHandler
		},
	}
	secret := cfg.Remote.Secret
	if secret == "" && cfg.Remote.SecretFile != "" {
		s, err := remote.LoadSecret(cfg.Remote.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("remote secret: %w", err)
		}
		secret = s
	}
	// A secret without a URL makes this process the receiving end.
	if secret != "" && cfg.Remote.URL == "" {
		h, err := remote.NewHandler(r, secret)
		if err != nil {
			return nil, err
		}
		opts.Remote = h
		log.Info().Str("path", remote.DefaultPath).Msg("remote restart enabled")
	}
	srv := graceful.NewHTTPServer(cfg.API.Addr, api.New(opts).Router(), graceful.ModeImmediate)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.API.Addr).Str("version", version.Version).Msg("devloop api started")
	return srv, nil
}

// staticScope builds the scope of a launch that runs without the restarter.
func staticScope(urls []string) (*resolver.Layered, error) {
	return resolver.NewLayered(nil, urls, overrides.NewTable())
}

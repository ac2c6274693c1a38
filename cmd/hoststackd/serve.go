package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoststack/pkg/config"
	"github.com/cuemby/hoststack/pkg/engine"
	"github.com/cuemby/hoststack/pkg/events"
	"github.com/cuemby/hoststack/pkg/isolate"
	"github.com/cuemby/hoststack/pkg/log"
	"github.com/cuemby/hoststack/pkg/metrics"
	"github.com/cuemby/hoststack/pkg/storage"
	"github.com/cuemby/hoststack/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hosting daemon in the foreground",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// daemon bundles everything one hoststackd process needs to tear itself
// down cleanly: one engine per configured application, the shared
// isolate factory, the manifest store, and the event broker.
type daemon struct {
	engines []*engine.Engine
	factory *isolate.Factory
	store   *storage.BoltStore
	bus     *events.Broker
}

func runServe(cmd *cobra.Command, args []string) error {
	manifest, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDataDir != "" {
		manifest.DataDir = flagDataDir
	}

	log.Info("starting hoststackd")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(manifest.DataDir, 0o755); err != nil {
		return err
	}
	store, err := storage.NewBoltStore(manifest.DataDir)
	if err != nil {
		return err
	}
	metrics.RegisterComponent("storage", true, "bbolt manifest store opened")

	if err := persistManifest(store, manifest.Applications); err != nil {
		log.Logger.Warn().Err(err).Msg("hoststackd: failed to persist application manifests")
	}

	socketDir := filepath.Join(manifest.DataDir, "sockets")
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return err
	}

	bus := events.NewBroker()
	bus.Start()
	logSub := logEvents(bus)

	d := &daemon{factory: isolate.NewFactory(manifest.ContainerdSocket), store: store, bus: bus}
	metrics.RegisterComponent("isolate", true, "factory ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, app := range manifest.Applications {
		iso, err := d.factory.For(app)
		if err != nil {
			return err
		}
		appSocketDir := filepath.Join(socketDir, app.Name)
		if err := os.MkdirAll(appSocketDir, 0o755); err != nil {
			return err
		}

		eng := engine.New(engine.Config{App: app, Isolate: iso, SocketDir: appSocketDir, Events: bus})
		eng.Run(ctx)
		d.engines = append(d.engines, eng)
		metrics.RegisterComponent("engine:"+app.Name, true, "running")
		log.WithApp(app.Name).Info().Msg("hoststackd: engine started")
	}

	collector := metrics.NewCollector(statsSources(d.engines))
	collector.Start(15 * time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/apps", appsHandler(d.engines))
	srv := &http.Server{Addr: manifest.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Msg("hoststackd: metrics server exited")
		}
	}()
	log.Logger.Info().Str("addr", manifest.MetricsAddr).Msg("hoststackd: metrics and health endpoint listening")

	<-ctx.Done()
	log.Info("hoststackd: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	collector.Stop()
	for _, eng := range d.engines {
		eng.Shutdown(engine.Graceful)
	}
	bus.Unsubscribe(logSub)
	bus.Stop()
	_ = d.factory.Close()
	_ = store.Close()

	log.Info("hoststackd: shutdown complete")
	return nil
}

func statsSources(engines []*engine.Engine) []metrics.StatsSource {
	out := make([]metrics.StatsSource, len(engines))
	for i, e := range engines {
		out[i] = e
	}
	return out
}

// persistManifest stores each application's manifest entry under the
// "manifests" namespace so a subsequent daemon restart can tell which
// applications were previously running.
func persistManifest(store storage.Store, apps []types.Application) error {
	for _, app := range apps {
		blob, err := json.Marshal(app)
		if err != nil {
			return err
		}
		if err := store.Put("manifests", app.Name, blob); err != nil {
			return err
		}
	}
	return nil
}

func logEvents(bus *events.Broker) events.Subscriber {
	sub := bus.Subscribe()
	go func() {
		for ev := range sub {
			l := log.WithApp(ev.App)
			if ev.WorkerID != "" {
				l = l.With().Str("worker_id", ev.WorkerID).Logger()
			}
			l.Debug().Str("event", string(ev.Type)).Str("message", ev.Message).Msg("lifecycle event")
		}
	}()
	return sub
}

func appsHandler(engines []*engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]types.Stats, 0, len(engines))
		for _, e := range engines {
			out = append(out, e.Info(types.StatsIncludeWorkers))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

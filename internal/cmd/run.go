// Package cmd wires the gateway process: remote restore, store, pools,
// dispatchers, the HTTP server, scheduled jobs, and graceful shutdown.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/api"
	"github.com/routeworks/geminipanel/internal/api/handlers"
	"github.com/routeworks/geminipanel/internal/catalog"
	"github.com/routeworks/geminipanel/internal/civil"
	"github.com/routeworks/geminipanel/internal/config"
	"github.com/routeworks/geminipanel/internal/keypool"
	"github.com/routeworks/geminipanel/internal/logging"
	"github.com/routeworks/geminipanel/internal/mirror"
	"github.com/routeworks/geminipanel/internal/proxypool"
	"github.com/routeworks/geminipanel/internal/store"
	"github.com/routeworks/geminipanel/internal/translator"
	"github.com/routeworks/geminipanel/internal/upstream"
	"github.com/routeworks/geminipanel/internal/watcher"
	"github.com/routeworks/geminipanel/internal/workerkey"
)

// sweepSchedule fires a few minutes past civil midnight, after the day
// boundary the counters roll on.
const sweepSchedule = "5 0 * * *"

// StartService wires every component and serves until SIGINT/SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	clock, err := civil.NewClock(cfg.CivilTimezone)
	if err != nil {
		log.Fatalf("failed to load civil timezone: %v", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
			log.Fatalf("failed to create data directory: %v", errMkdir)
		}
	}

	// The restore must finish before the store opens the file.
	synced := mirror.Restore(context.Background(), cfg.Mirror, cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	mir := mirror.New(st, cfg.Mirror, synced)

	pool := proxypool.New(cfg.ProxyURLs)
	cat := catalog.New(st)
	if err = cat.EnsureDefaults(context.Background()); err != nil {
		log.Fatalf("failed to seed model catalog: %v", err)
	}
	settings := catalog.NewSettings(st, catalog.Defaults{
		KeepAlive: cfg.KeepAlive,
		MaxRetry:  cfg.MaxRetry,
		WebSearch: cfg.WebSearch,
	})
	keys := keypool.NewManager(st, clock, cat)

	dispatcher := upstream.New(pool, cfg.UpstreamGateway)
	vertexBackend, err := upstream.NewVertex(pool, cfg.Vertex)
	if err != nil {
		log.Fatalf("failed to initialize vertex backend: %v", err)
	}
	if vertexBackend.Enabled() {
		log.Info("vertex backend enabled, [v] models will be served")
	}

	svc := &handlers.Services{
		Config:     cfg,
		WorkerKeys: workerkey.NewManager(st),
		Keys:       keys,
		Selector:   keypool.NewSelector(st, clock, cat),
		Catalog:    cat,
		Settings:   settings,
		Translator: translator.New(nil),
		Upstream:   dispatcher,
		Vertex:     vertexBackend,
	}
	svc.RefreshErrorGauge(context.Background())

	apiServer := api.NewServer(svc)

	// Roll stale counters shortly after civil midnight so the admin view
	// starts the day at zero even without traffic.
	sweeper := cron.New(cron.WithLocation(clock.Location()))
	if _, errCron := sweeper.AddFunc(sweepSchedule, func() {
		n, errSweep := keys.SweepStale(context.Background())
		if errSweep != nil {
			log.Warnf("midnight usage sweep failed: %v", errSweep)
			return
		}
		log.Infof("midnight usage sweep rolled %d keys", n)
	}); errCron != nil {
		log.Fatalf("failed to schedule usage sweep: %v", errCron)
	}
	sweeper.Start()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	configWatcher, err := watcher.New(configPath, func(updated *config.Config) {
		applyReload(svc, cfg, updated, pool, dispatcher)
	})
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	} else if errWatch := configWatcher.Start(watchCtx); errWatch != nil {
		log.Warnf("config watcher failed to start: %v", errWatch)
		configWatcher = nil
	}

	go func() {
		if errStart := apiServer.Start(); errStart != nil {
			log.Fatalf("API server failed to start: %v", errStart)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, cleaning up")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelWatch()
	if configWatcher != nil {
		_ = configWatcher.Stop()
	}
	sweeper.Stop()
	if errStop := apiServer.Stop(ctx); errStop != nil {
		log.Errorf("error stopping API server: %v", errStop)
	}
	mir.Flush(ctx)
	if errClose := st.Close(); errClose != nil {
		log.Errorf("error closing store: %v", errClose)
	}
	log.Info("shutdown complete")
}

// applyReload pushes a re-parsed config into the running components.
// Boot-time surfaces (listen port, database path, mirror target, vertex
// credentials, civil timezone) keep their original values; only the
// runtime knobs follow the file.
func applyReload(svc *handlers.Services, boot, updated *config.Config, pool *proxypool.Pool, dispatcher *upstream.Dispatcher) {
	updated.Port = boot.Port
	updated.DBPath = boot.DBPath
	updated.Mirror = boot.Mirror
	updated.Vertex = boot.Vertex
	updated.CivilTimezone = boot.CivilTimezone

	logging.Setup(updated.Debug)
	if err := logging.ConfigureOutput(updated.LoggingToFile); err != nil {
		log.Errorf("failed to switch log output: %v", err)
	}
	pool.Reload(updated.ProxyURLs)
	dispatcher.SetGateway(updated.UpstreamGateway)
	svc.Config = updated
}

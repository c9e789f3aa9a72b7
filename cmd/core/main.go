// Command core runs the Attaché client core: it wires the store, the
// network gateway, the auth refresher, the reconciliation engine, the
// sync controller, and the event stream, then keeps the local record
// set converged until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/attache-app/core/internal/api"
	"github.com/attache-app/core/internal/auth"
	"github.com/attache-app/core/internal/config"
	"github.com/attache-app/core/internal/connectivity"
	"github.com/attache-app/core/internal/gateway"
	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/realtime"
	"github.com/attache-app/core/internal/respcache"
	"github.com/attache-app/core/internal/scheduling"
	"github.com/attache-app/core/internal/store"
	syncctl "github.com/attache-app/core/internal/sync"
	"github.com/attache-app/core/internal/sync/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	log := logging.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("Client core exited with failure", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	taskStore, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	tokens, err := auth.NewFileTokenStore(cfg.ConfigDir)
	if err != nil {
		return err
	}

	monitor := connectivity.NewStateMonitor(true)
	probe := connectivity.NewProbe(monitor, cfg.APIBaseURL, 15*time.Second)
	probe.Start(ctx)
	defer probe.Stop()

	cache := respcache.New(filepath.Join(cfg.DataDir, "responses"))

	gwCfg := gateway.DefaultConfig(cfg.APIBaseURL)
	gwCfg.Locale = cfg.Locale
	gwCfg.RequestTimeout = cfg.RequestTimeout
	gw := gateway.New(gwCfg, tokens, nil, cache, monitor)

	client := api.NewClient(gw)

	// The refresher drives a refresh through the same client, and the
	// gateway routes auth failures through the refresher; the loop is
	// closed here.
	refresher := auth.NewRefresher(api.NewRefreshFunc(client, tokens), monitor, func() {
		logging.Warn("Credential invalidated, re-authentication required", nil)
	})
	gw.SetRetrier(refresher)

	// The engine's feedback triggers call into the controller, which in
	// turn merges through the engine; the closures capture the variable
	// and fire only after both exist.
	var controller *syncctl.Controller
	engine := reconcile.New(taskStore,
		reconcile.WithRefetchRequest(func() {
			go controller.SyncNewer(ctx)
		}),
		reconcile.WithUnreadRefreshRequest(func() {
			go controller.RefreshUnread(ctx)
		}),
	)

	controller = syncctl.New(client, taskStore, engine, syncctl.Config{
		PageLimit:   cfg.PageLimit,
		BackoffStep: cfg.BackoffStep,
		BackoffCap:  cfg.BackoffCap,
	})
	controller.SetOnGiveUp(func(direction api.Direction, err error) {
		logging.Warn("Sync abandoned, will retry on next trigger",
			map[string]interface{}{"direction": string(direction)})
	})

	if err := engine.Load(); err != nil {
		return err
	}

	consumer := realtime.NewConsumer(cfg.StreamURL, tokens, engine.ApplyEvent)
	consumer.Start(ctx)
	defer consumer.Stop()

	// A cached hydration gives a usable list before the first sync.
	if err := controller.HydrateFromCache(ctx); err != nil {
		logging.Debug("No cached pages to hydrate from",
			map[string]interface{}{"error": err.Error()})
	}

	if err := controller.SyncOlder(ctx); err != nil {
		logging.Warn("Initial sync incomplete",
			map[string]interface{}{"error": err.Error()})
	}
	if err := controller.RefreshUnread(ctx); err != nil {
		logging.Warn("Unread refresh failed",
			map[string]interface{}{"error": err.Error()})
	}

	// Warm the attachment listings for the synced set so the first task
	// open does not wait on the network.
	prefetcher := syncctl.NewAttachmentPrefetcher(client)
	snapshot := engine.Snapshot()
	taskIDs := make([]int64, 0, len(snapshot))
	for _, task := range snapshot {
		taskIDs = append(taskIDs, task.ID)
	}
	prefetcher.Prefetch(ctx, taskIDs, func() {
		logging.Debug("Attachment prefetch complete",
			map[string]interface{}{"tasks": len(taskIDs)})
	})

	// Periodic forward syncs pick up server-side changes the stream
	// missed; a reconnect triggers one immediately. Flapping
	// connectivity folds into one throttled sync per window.
	syncThrottle := scheduling.NewThrottler(10 * time.Second)
	defer syncThrottle.Stop()
	cancelWatch := monitor.OnChange(func(connected bool) {
		if connected {
			syncThrottle.Call(func() {
				controller.SyncNewer(ctx)
			})
		}
	})
	defer cancelWatch()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logging.Info("Client core running", map[string]interface{}{
		"api":    cfg.APIBaseURL,
		"stream": cfg.StreamURL,
	})

	for {
		select {
		case <-ticker.C:
			if err := controller.SyncNewer(ctx); err != nil {
				logging.Debug("Periodic sync skipped",
					map[string]interface{}{"error": err.Error()})
			}
		case <-ctx.Done():
			logging.Info("Shutting down", nil)
			return nil
		}
	}
}

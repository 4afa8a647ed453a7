// Package main provides the SchoolDesk portal daemon: it hosts the offline
// mutation queue and sync engine behind a localhost REST/WebSocket surface.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kimhsiao/schooldesk/backend/cmd/portal/handlers"
	"github.com/kimhsiao/schooldesk/backend/internal/cache"
	"github.com/kimhsiao/schooldesk/backend/internal/config"
	"github.com/kimhsiao/schooldesk/backend/internal/db"
	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/notify"
	syncpkg "github.com/kimhsiao/schooldesk/backend/internal/sync"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/conflict"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/queue"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/ratelimit"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/scheduler"
	"github.com/kimhsiao/schooldesk/backend/internal/trash"
)

// shutdownGrace bounds how long in-flight HTTP requests may run after a
// termination signal.
const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logging is not up yet.
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logging.Init(logSink(cfg), logging.LogLevel(cfg.Log.Level))

	if err := run(cfg); err != nil {
		logging.Error("Portal daemon exited", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the flag, the environment, or
// falls back to defaults when neither is set.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("SCHOOLDESK_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// logSink routes log output through a rotating file when one is configured.
func logSink(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
}

func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.InitSchema(); err != nil {
		return err
	}

	store := db.NewStore(database, cfg.Sync.LogCap)
	defer store.Close()

	bus := notify.NewBus()
	defer bus.Close()

	mutations := queue.New(store, bus, cfg.Sync.MaxRetries)
	readCache := cache.New(store, cfg.Cache.DefaultTTL)
	trashMgr := trash.NewManager(store, db.NewLocalRecords(store), bus, cfg.Trash.RetentionDays)

	strategies := make(map[string]conflict.Strategy, len(cfg.Sync.ConflictStrategies))
	for table, name := range cfg.Sync.ConflictStrategies {
		strategies[table] = conflict.Strategy(name)
	}
	resolver := conflict.NewResolver(strategies, conflict.Strategy(cfg.Sync.DefaultConflictStrategy))

	remote := syncpkg.NewHTTPRemote(&syncpkg.RemoteConfig{
		BaseURL:  cfg.Remote.BaseURL,
		APIToken: cfg.Remote.APIToken,
		Timeout:  cfg.Remote.Timeout,
	})

	engine := syncpkg.NewEngine(mutations, store, readCache, resolver, remote, syncpkg.Options{
		Limiter: ratelimit.New(0, 0),
		Bus:     bus,
	})
	defer engine.Close()

	// Anything left syncing by a previous crash goes back to pending
	// before the scheduler starts draining.
	recovered, err := engine.Recover()
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Info("Recovered in-flight mutations",
			map[string]interface{}{"count": recovered})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(engine, cfg.Sync.Interval)
	sched.Start(ctx)
	defer sched.Stop()

	go trashMgr.StartSweepLoop(ctx, cfg.Trash.SweepInterval)
	go readCache.StartPruneLoop(ctx, cfg.Cache.PruneInterval)

	hub := NewWSHub()
	defer hub.Close()
	unbridge := hub.BridgeBus(bus)
	defer unbridge()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newMux(engine, sched, mutations, trashMgr, store, hub),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Portal daemon listening",
			map[string]interface{}{"addr": cfg.ListenAddr, "data_dir": cfg.DataDir})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// newMux lays out the localhost API surface.
func newMux(engine *syncpkg.Engine, sched *scheduler.Scheduler, mutations *queue.Queue,
	trashMgr *trash.Manager, store *db.Store, hub *WSHub) *http.ServeMux {

	syncHandler := handlers.NewSyncHandler(engine, sched, store)
	queueHandler := handlers.NewQueueHandler(mutations)
	trashHandler := handlers.NewTrashHandler(trashMgr)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handleHealth)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	mux.HandleFunc("/api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("/api/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("/api/sync/online", syncHandler.SetOnline)
	mux.HandleFunc("/api/sync/log", syncHandler.GetLog)

	mux.HandleFunc("/api/mutations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			queueHandler.List(w, r)
			return
		}
		queueHandler.Enqueue(w, r)
	})
	mux.HandleFunc("/api/queue/stats", queueHandler.Stats)
	mux.HandleFunc("/api/queue/retry", queueHandler.RetryAll)

	mux.HandleFunc("/api/trash", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			trashHandler.List(w, r)
			return
		}
		trashHandler.SoftDelete(w, r)
	})
	mux.HandleFunc("/api/trash/restore", trashHandler.Restore)
	mux.HandleFunc("/api/trash/purge", trashHandler.Purge)

	return mux
}

// handleHealth reports liveness for portal views probing connectivity.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"schooldesk-portal"}`))
}

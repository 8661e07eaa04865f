// Command transferd is the background transfer service daemon: it
// wires the task store, network observer, transfer engine, scheduler,
// service facade, preload cache, and the MCP/HTTP control surfaces
// together and runs until terminated.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"project-tachyon/internal/analytics"
	"project-tachyon/internal/api"
	"project-tachyon/internal/config"
	"project-tachyon/internal/filesystem"
	"project-tachyon/internal/logger"
	"project-tachyon/internal/network"
	"project-tachyon/internal/preload"
	"project-tachyon/internal/scheduler"
	"project-tachyon/internal/security"
	"project-tachyon/internal/service"
	"project-tachyon/internal/storage"
	"project-tachyon/internal/transfer"

	"github.com/shirou/gopsutil/v3/disk"
)

func main() {
	mcpMode := false
	for _, arg := range os.Args {
		if arg == "--mcp" {
			mcpMode = true
			break
		}
	}

	var logOutput io.Writer = os.Stdout
	if mcpMode {
		logOutput = os.Stderr // keep stdout clean for the JSON-RPC transport
	}

	log, eventHandler, err := logger.New(logOutput)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	appData, err := os.UserConfigDir()
	if err != nil {
		log.Error("error resolving config dir", "error", err)
		os.Exit(1)
	}
	dataDir := filepath.Join(appData, "transferd")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Error("error creating data dir", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewStorage(filepath.Join(dataDir, "request.db"), log)
	if err != nil {
		log.Error("error initializing storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.RecoverOnStartup(); err != nil {
		log.Error("crash-recovery sweep failed", "error", err)
		os.Exit(1)
	}

	cfg := config.NewManager(store)
	audit := security.NewAuditLogger(log)
	defer audit.Close()

	observer := network.NewObserver(log)
	engine := transfer.NewEngine(log)
	if ua := cfg.GetUserAgent(); ua != "" {
		engine.SetUserAgent(ua)
	}

	stats := analytics.NewStatsManager(store, defaultDownloadPath)
	organizer := filesystem.NewSmartOrganizer()
	scanner := security.NewScanner(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	observer.Start(ctx)
	defer observer.Stop()

	sched := scheduler.New(log, cfg.SchedulerConfig(), store, engine, observer, nil)
	sched.SetScanner(scanner, cfg.GetEnableIntegrityCheck)
	sched.SetStats(stats)
	sched.SetOrganizer(organizer)

	svc := service.New(log, store, sched, observer, stats)
	sched.SetEventFunc(svc.OnEngineEvent)

	eventHandler.SetSink(func(rec logger.EventRecord) {
		log.Debug("operational event surfaced", "message", rec.Message, "level", rec.Level)
	})

	preloadCache := preload.New(log, engine.HTTPClient(), filepath.Join(dataDir, "preload"))
	svc.SetPreloadCache(preloadCache)

	resumable, err := store.LoadAllResumable()
	if err != nil {
		log.Error("failed to load resumable tasks", "error", err)
		os.Exit(1)
	}
	sched.Rehydrate(resumable)

	sched.Start(ctx)
	defer sched.Stop()

	if mcpMode {
		api.NewMCPServer(svc).Start()
		return
	}

	control := api.NewControlServer(svc, cfg, audit, log)
	control.Start()

	log.Info("transferd started", "data_dir", dataDir)

	<-ctx.Done()
	log.Info("transferd shutting down")
	time.Sleep(200 * time.Millisecond) // let in-flight worker loops observe ctx.Done()
}

func defaultDownloadPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(home, "Downloads")
	if _, err := disk.Usage(path); err != nil {
		return home, nil
	}
	return path, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hjanuschka/go-projections/internal/checkpoint"
	"github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/engine"
	_ "github.com/hjanuschka/go-projections/internal/engine/gojaengine"
	_ "github.com/hjanuschka/go-projections/internal/engine/v8engine"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/metrics"
	"github.com/hjanuschka/go-projections/internal/projection"
	"github.com/hjanuschka/go-projections/internal/realtime"
	"github.com/hjanuschka/go-projections/internal/scripting"
	"github.com/hjanuschka/go-projections/internal/server"
	"github.com/hjanuschka/go-projections/internal/watcher"
)

func main() {
	var (
		port      = flag.Int("port", 2403, "server port")
		configDir = flag.String("config", config.GetConfigDir(), "configuration directory")
		queryDir  = flag.String("queries", "", "query directory (overrides engine.json)")
		engineArg = flag.String("engine", "", "script engine: goja or v8 (overrides engine.json)")
		logDir    = flag.String("log-dir", "./logs", "log directory")
		logLevel  = flag.String("log-level", "info", "minimum log level")
		dev       = flag.Bool("dev", false, "development mode")
	)
	flag.Parse()

	if err := logging.InitializeLogger(*logDir); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.GetLogger().SetLevel(logging.LogLevel(*logLevel))
	if *dev {
		logging.GetLogger().SetLevel(logging.DEBUG)
	}

	engineCfg, err := config.LoadEngineConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load engine config: %v", err)
	}
	if *engineArg != "" {
		engineCfg.Engine = *engineArg
	}
	if *queryDir != "" {
		engineCfg.QueryDir = *queryDir
	}
	storeCfg, err := config.LoadStoreConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load store config: %v", err)
	}
	securityCfg, err := config.LoadSecurityConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load security config: %v", err)
	}
	realtimeCfg, err := config.LoadRealtimeConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load realtime config: %v", err)
	}

	collector := metrics.GetGlobalCollector()
	if err := collector.SetDataPath(filepath.Join(*configDir, "metrics.json")); err != nil {
		logging.Warn("Failed to load saved metrics", "metrics", map[string]interface{}{"error": err.Error()})
	}

	fmt.Printf("🚀 Starting projection server...\n")
	fmt.Printf("   Port: %d\n", *port)
	fmt.Printf("   Engine: %s\n", engineCfg.Engine)
	fmt.Printf("   Checkpoints: %s\n", storeCfg.Type)
	fmt.Printf("   Queries: %s\n", engineCfg.QueryDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(engineCfg.Engine)
	if err != nil {
		log.Fatalf("Failed to select engine: %v", err)
	}
	store, err := checkpoint.NewStore(ctx, storeCfg)
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}

	broker := realtime.NewMemoryBroker()
	manager, err := projection.NewManager(projection.Options{
		Engine: eng,
		Isolate: scripting.Options{
			IsolateOptions:   engine.IsolateOptions{ExecutionTimeout: engineCfg.Timeout()},
			CompileCacheSize: engineCfg.CompileCacheSize,
		},
		Store:              store,
		Publisher:          broker,
		Metrics:            collector,
		CheckpointInterval: engineCfg.FlushInterval(),
	})
	if err != nil {
		store.Close()
		log.Fatalf("Failed to start projection manager: %v", err)
	}

	w := watcher.New(engineCfg.QueryDir, manager)
	if err := w.Sync(ctx); err != nil {
		// broken queries stay unloaded until their files are fixed
		logging.Error("Some queries failed to load", "watcher", map[string]interface{}{"error": err.Error()})
	}
	if err := w.Start(ctx); err != nil {
		log.Fatalf("Failed to watch query directory: %v", err)
	}

	srv := server.New(&server.Config{Port: *port, Development: *dev}, server.Options{
		Manager:  manager,
		Security: securityCfg,
		Realtime: realtimeCfg,
		Broker:   broker,
		Metrics:  collector,
	})
	if hub := srv.Hub(); hub != nil {
		go hub.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		fmt.Printf("🌐 Server listening on http://localhost:%d\n", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n🛑 Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	cancel()
	w.Close()

	if err := manager.Close(); err != nil {
		log.Printf("Error saving checkpoints: %v", err)
	}
	if err := collector.Flush(); err != nil {
		log.Printf("Error saving metrics: %v", err)
	}
	broker.Disconnect()
	logging.GetLogger().Close()

	fmt.Println("✅ Server shutdown complete")
}

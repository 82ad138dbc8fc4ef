// audex/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"audex/api"
	"audex/config"
	"audex/convert"
	"audex/engine"
	"audex/ingest"
	"audex/store"
	"audex/task"

	"github.com/spf13/afero"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "audex", "data")
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "audex", "cache")
	}

	// 2. Initialize storage
	st := store.New(afero.NewOsFs(), dataDir, cfg.ChunkSize)
	if err := st.Init(); err != nil {
		log.Fatalf("Failed to initialize storage at %s: %v", dataDir, err)
	}

	// 3. Engine loader: locally installed binaries bypass the download
	var loader *engine.Loader
	if cfg.EngineBin != "" {
		loader, err = engine.NewStaticLoader(cfg.EngineBin, cfg.ProbeBin)
		if err != nil {
			log.Fatalf("Failed to use local engine binaries: %v", err)
		}
	} else {
		loader = engine.NewLoader(cacheDir, cfg.EngineURL, cfg.ProbeURL, cfg.EngineLoadAttempts, cfg.EngineLoadTimeout)
	}

	// 4. Conversion executor
	extraArgs, err := convert.SplitExtraArgs(cfg.ConvertExtraArgs)
	if err != nil {
		log.Fatalf("Invalid CONVERT_EXTRA_ARGS: %v", err)
	}
	gate := &convert.ResourceGate{
		IdleCPU:     cfg.ThrottleCPU,
		MinFreeMem:  cfg.ThrottleFreeMem,
		MinFreeDisk: cfg.ThrottleFreeDisk,
		DiskPath:    dataDir,
	}
	executor := convert.NewExecutor(st, loader, cfg.EngineChunkSize, extraArgs, gate)

	// 5. Scheduler
	ingestor := ingest.New(st, cfg.MaxFileSize, cfg.RecommendedMaxSize)
	scheduler := task.NewScheduler(executor, ingestor, st, cfg.MaxConcurrency, loader.Failed)

	// 6. Set up router and server
	router := api.SetupRouter(scheduler, st, loader, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 7. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx, cfg.OrphanSweepInterval)

	// Warm the engine cache so the first conversion does not pay for
	// the download.
	go func() {
		if _, err := loader.Acquire(ctx, nil); err != nil {
			log.Printf("Engine warm-up failed: %v", err)
		}
	}()

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 8. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	scheduler.Close()
	log.Println("Server exiting")
}

// shotsyncd — shot synchronization daemon
//
// Features:
// - Multi-protocol endpoints (FTP, SFTP, S3, local)
// - Shot/department version comparison (anim, lighting)
// - PostgreSQL-backed structure cache and task store
// - Background transfer orchestration with cancellation
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/config"
	"github.com/katha-begin/shotsync/internal/endpoint"
	endpointlocal "github.com/katha-begin/shotsync/internal/endpoint/local"
	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/orchestrator"
	"github.com/katha-begin/shotsync/internal/service"
	"github.com/katha-begin/shotsync/internal/structcache"
	"github.com/katha-begin/shotsync/internal/task"
)

// endpointDef is one entry of the endpoints file.
type endpointDef struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings"`
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("shotsyncd starting...",
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("local_root", cfg.LocalRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	cacheStore, err := structcache.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer cacheStore.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := cacheStore.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	db := cacheStore.DB()
	taskStore := task.NewStore(db)
	scanner := structcache.NewScanner(cacheStore, cfg.CacheTTL)

	// Local side of every transfer
	localMgr, err := endpointlocal.New(endpointlocal.Config{RootPath: cfg.LocalRoot, CreateDirs: true})
	if err != nil {
		logging.Fatal("local endpoint init failed", zap.Error(err))
	}

	// Transfer pool
	pool := orchestrator.NewPool(cfg.JobWorkers, cfg.ProgressInterval)
	defer pool.Shutdown()

	svc := service.New(service.Config{
		RemoteRoot:      cfg.RemoteRoot,
		LocalRoot:       cfg.LocalRoot,
		TransferWorkers: cfg.TransferWorkers,
	}, localMgr, taskStore, cacheStore, scanner, pool)
	defer svc.Close()

	// Register remote endpoints from the endpoints file
	if cfg.EndpointsFile != "" {
		defs, err := loadEndpointDefs(cfg.EndpointsFile)
		if err != nil {
			logging.Fatal("endpoints file load failed", zap.Error(err))
		}
		for _, def := range defs {
			mgr, err := endpoint.NewManagerFromConfig(ctx, endpoint.Config{Type: def.Type, Settings: def.Settings})
			if err != nil {
				logging.Error("endpoint init failed",
					zap.String("endpoint", def.ID),
					zap.String("type", def.Type),
					zap.Error(err))
				continue
			}
			if err := mgr.Connect(ctx); err != nil {
				logging.Error("endpoint connect failed",
					zap.String("endpoint", def.ID),
					zap.Error(err))
			}
			svc.RegisterEndpoint(def.ID, mgr)
			logging.Info("endpoint registered",
				zap.String("endpoint", def.ID),
				zap.String("type", def.Type))
		}
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cacheStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("shutting down...")
	cancel()
	metricsServer.Close()
}

func loadEndpointDefs(path string) ([]endpointDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []endpointDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

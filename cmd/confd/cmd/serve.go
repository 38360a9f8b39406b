package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/resolvercore/confd/internal/auditstore"
	"github.com/resolvercore/confd/internal/confd/confload"
	"github.com/resolvercore/confd/internal/confd/confset"
	"github.com/resolvercore/confd/internal/confd/dispatch"
	"github.com/resolvercore/confd/internal/confd/report"
	"github.com/resolvercore/confd/internal/confd/worker"
	"github.com/resolvercore/confd/internal/confdmetrics"
	"github.com/resolvercore/confd/internal/config"
	"github.com/resolvercore/confd/internal/confsource/k8s"
	"github.com/resolvercore/confd/internal/httpops"
	"github.com/resolvercore/confd/internal/lockmanager"
	"github.com/redis/go-redis/v9"

	logpkg "github.com/resolvercore/confd/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the confd daemon",
	RunE:  runServe,
}

// genericVtable wraps a preference file as a plain line list; confd's
// purpose-built module kinds (segment.Manager and friends) register
// their own richer Vtable instead of relying on this one.
func genericVtable() *confset.Vtable {
	return &confset.Vtable{
		Free: func(payload any) {},
		Parse: func(l *confload.Loader, info *confset.Info) (any, error) {
			return l.ReadFile(0, 0)
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logCfg := logpkg.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	if out := cfg.Log.Output; out != "stdout" && out != "stderr" {
		// any other value is a file path, rotated through lumberjack
		logCfg.Output, logCfg.Filename = "file", out
	}
	logger := logpkg.NewLogger(logCfg)
	logger.Info("confd: starting", "profile", cfg.Profile, "config_dir", cfg.Storage.ConfigDir)

	promReg := prometheus.NewRegistry()
	metrics := confdmetrics.New(promReg)

	d := dispatch.New()
	registry := confset.New(d, nil)
	registry.SetMetrics(metrics)

	var pool *worker.Pool
	if cfg.Worker.Count > 0 {
		pool = worker.New(d, worker.Config{
			LastGoodDir: cfg.Storage.LastGoodDir,
			RejectDir:   cfg.Storage.RejectDir,
		}, logger)
		pool.SetMetrics(metrics)
		pool.Start(cfg.Worker.Count)
		defer pool.Stop(cfg.Worker.Count)
	}

	seen := make(map[string]struct{})
	if err := discoverModules(registry, cfg.Storage.ConfigDir, seen); err != nil {
		logger.Warn("confd: initial scan failed", "err", err)
	}

	var notifier *report.Notifier
	if cfg.Report.Enabled {
		notifier, err = report.New(cfg.Report.Addr, cfg.Report.RatePerSecond)
		if err != nil {
			return err
		}
		defer notifier.Close()
	}

	var lockMgr *lockmanager.LockManager
	if cfg.Lock.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Lock.Addr, Password: cfg.Lock.Password, DB: cfg.Lock.DB})
		defer rdb.Close()
		lockMgr = lockmanager.NewLockManager(rdb, &lockmanager.LockConfig{TTL: cfg.Lock.TTL}, logger)
		defer lockMgr.ReleaseAll(context.Background())
		registry.SetLocker(lockMgr)
	}

	var auditPool *auditstore.PostgresPool
	if cfg.Audit.Enabled {
		auditCfg := &auditstore.PostgresConfig{
			Host: cfg.Audit.Host, Port: cfg.Audit.Port, Database: cfg.Audit.Database,
			User: cfg.Audit.User, Password: cfg.Audit.Password, SSLMode: cfg.Audit.SSLMode,
			MaxConns: cfg.Audit.MaxConns, MinConns: cfg.Audit.MinConns,
			MaxConnLifetime: cfg.Audit.MaxConnLifetime, MaxConnIdleTime: cfg.Audit.MaxConnIdleTime,
			ConnectTimeout:    cfg.Audit.ConnectTimeout,
			HealthCheckPeriod: auditstore.DefaultConfig().HealthCheckPeriod,
		}
		auditPool = auditstore.NewPostgresPool(auditCfg, logger)
		if err := auditPool.Connect(context.Background()); err != nil {
			logger.Warn("confd: audit store connect failed", "err", err)
		} else {
			defer auditPool.Disconnect(context.Background())
		}
	}

	var k8sClient k8s.K8sClient
	if cfg.K8sSource.Enabled {
		k8sClient, err = k8s.NewK8sClient(k8s.DefaultK8sClientConfig())
		if err != nil {
			logger.Warn("confd: k8s source unavailable", "err", err)
		} else {
			defer k8sClient.Close()
		}
	}

	forceReload := func() (bool, error) {
		if err := discoverModules(registry, cfg.Storage.ConfigDir, seen); err != nil {
			return false, err
		}
		return registry.Load(0, pool != nil)
	}

	var opsServer *http.Server
	if cfg.HTTPOps.Enabled {
		ops := httpops.New(registry, logger, forceReload)
		mux := http.NewServeMux()
		mux.Handle("/", ops.Handler())
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		opsServer = &http.Server{Addr: cfg.HTTPOps.Addr, Handler: mux}
		go func() {
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("confd: httpops server exited", "err", err)
			}
		}()
		defer opsServer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Storage.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("confd: shutting down")
			return nil
		case <-ticker.C:
			if err := discoverModules(registry, cfg.Storage.ConfigDir, seen); err != nil {
				logger.Warn("confd: scan failed", "err", err)
				continue
			}
			changed, err := registry.Load(0, pool != nil)
			if err != nil {
				logger.Error("confd: load failed", "err", err)
				continue
			}
			if changed && notifier != nil {
				_ = notifier.Notify("generic", "confd", registry.Generation())
			}
		}
	}
}

// discoverModules walks configDir and registers any file not yet
// present in seen. It never removes a module on its own; a reload
// config module would own that decision for whichever files
// disappear. Files registered this way use the generic line-based
// Vtable; purpose-built module kinds register themselves separately
// before the daemon's main loop starts.
func discoverModules(registry *confset.Registry, configDir string, seen map[string]struct{}) error {
	if configDir == "" {
		return nil
	}
	vt := genericVtable()
	return filepath.WalkDir(configDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if _, ok := seen[name]; ok {
			return nil
		}
		if _, regErr := registry.Register(vt, name, path, true, 0, nil); regErr != nil {
			return regErr
		}
		seen[name] = struct{}{}
		return nil
	})
}

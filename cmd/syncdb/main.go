// Command syncdb pushes a local bbolt database to a remote peer and serves
// health, status and metrics endpoints while it does.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-sync/pkg/api"
	"github.com/dd0wney/cluso-sync/pkg/changefeed"
	"github.com/dd0wney/cluso-sync/pkg/health"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/metrics"
	"github.com/dd0wney/cluso-sync/pkg/replicator"
	"github.com/dd0wney/cluso-sync/pkg/server"
	"github.com/dd0wney/cluso-sync/pkg/store"
)

func main() {
	configPath := flag.String("config", "replicator.yaml", "Replicator config file (YAML)")
	dbPath := flag.String("db", "./data/local.db", "Local database file")
	listen := flag.String("listen", ":8090", "Health, status and metrics address")
	feedAddr := flag.String("changefeed", "", "Publish committed changes on this NNG address (e.g. tcp://127.0.0.1:4990)")
	feedName := flag.String("changefeed-name", "", "Database name in change feed events (default: db file name)")
	logLevel := logging.InfoLevel
	flag.TextVar(&logLevel, "log-level", logging.InfoLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.NewJSONLogger(os.Stderr, logLevel)
	logging.SetDefaultLogger(logger)

	fmt.Printf("🔄 Cluso Sync - Replicator\n")
	fmt.Printf("==========================\n\n")

	cfg, err := replicator.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("📂 Opening database %s...\n", *dbPath)
	db, err := store.OpenBolt(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if *feedAddr != "" {
		name := *feedName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(*dbPath), filepath.Ext(*dbPath))
		}
		feed, err := changefeed.NewPublisher(*feedAddr, logger)
		if err != nil {
			log.Fatalf("Failed to start change feed: %v", err)
		}
		defer feed.Close()
		defer feed.Attach(name, db)()
		fmt.Printf("📡 Publishing changes to %s as %q\n", *feedAddr, name)
	}

	reg := metrics.NewRegistry()
	ctrl, err := replicator.New(cfg, db, replicator.WithLogger(logger), replicator.WithMetrics(reg))
	if err != nil {
		log.Fatalf("Failed to create replicator: %v", err)
	}

	started := time.Now()
	hc := health.NewHealthChecker()
	hc.RegisterCheck("database", health.DatabaseCheck(db))
	hc.RegisterCheck("replicator", health.ReplicatorCheck(ctrl.Status))
	hc.RegisterCheck("memory", health.MemoryCheck(nil))
	hc.RegisterLivenessCheck("database", health.DatabaseCheck(db))
	hc.RegisterReadinessCheck("replicator", health.ReplicatorCheck(ctrl.Status))

	admin, err := api.NewServer(ctrl, logger)
	if err != nil {
		log.Fatalf("Failed to create admin API: %v", err)
	}
	admin.Handle("GET /health", hc.HTTPHandler())
	admin.Handle("GET /health/live", hc.LivenessHandler())
	admin.Handle("GET /health/ready", hc.ReadinessHandler())
	admin.Handle("GET /metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))

	gs := server.NewGracefulServer(*listen, admin.Handler(), logger)
	gs.SetReloadFunc(func() error {
		err := ctrl.Retry(true)
		if errors.Is(err, replicator.ErrStopped) {
			ctrl.Start()
			return nil
		}
		return err
	})
	gs.OnShutdown(ctrl.Close)
	gs.OnShutdown(func(context.Context) error {
		// open status streams would otherwise hold up the HTTP shutdown
		admin.Close()
		return nil
	})

	var finalErr error
	if !cfg.Continuous {
		// a one-shot replication exits once it stops
		ctrl.OnStatusChanged(func(st replicator.Status) {
			if st.Level == replicator.LevelStopped {
				finalErr = st.Error
				go gs.Shutdown(server.DefaultShutdownTimeout)
			}
		})
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.UpdateSystemMetrics(started)
			case <-gs.ShutdownChannel():
				return
			}
		}
	}()

	fmt.Printf("🌐 Pushing to %s (continuous=%v)\n", cfg.URL, cfg.Continuous)
	fmt.Printf("  Status:  http://localhost%s/status\n", *listen)
	fmt.Printf("  Stream:  http://localhost%s/status/stream\n", *listen)
	fmt.Printf("  GraphQL: http://localhost%s/graphql\n", *listen)
	fmt.Printf("  Metrics: http://localhost%s/metrics\n\n", *listen)
	ctrl.Start()

	if err := gs.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	fmt.Printf("\n👋 Replicator stopped\n")
	if finalErr != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "❌ Replication failed: %v\n", finalErr)
		os.Exit(1)
	}
}

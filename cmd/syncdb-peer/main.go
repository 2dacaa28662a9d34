// Command syncdb-peer serves a bbolt database as a passive replication peer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-sync/pkg/api/middleware"
	"github.com/dd0wney/cluso-sync/pkg/audit"
	"github.com/dd0wney/cluso-sync/pkg/auth"
	"github.com/dd0wney/cluso-sync/pkg/changefeed"
	"github.com/dd0wney/cluso-sync/pkg/health"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/metrics"
	"github.com/dd0wney/cluso-sync/pkg/peer"
	"github.com/dd0wney/cluso-sync/pkg/replicator"
	"github.com/dd0wney/cluso-sync/pkg/server"
	"github.com/dd0wney/cluso-sync/pkg/store"
	tlspkg "github.com/dd0wney/cluso-sync/pkg/tls"
)

func main() {
	dbPath := flag.String("db", "./data/peer.db", "Database file")
	listen := flag.String("listen", ":4984", "Listen address")
	username := flag.String("username", "", "Require Basic auth with this username")
	password := flag.String("password", "", "Password for -username")
	passwordHash := flag.String("password-hash", "", "bcrypt hash of the password, instead of -password")
	readOnly := flag.Bool("read-only", false, "Reject incoming revisions")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file (enables TLS)")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	tlsGenerate := flag.Bool("tls-generate", true, "Generate a self-signed certificate if the files do not exist")
	jwtSecret := flag.String("jwt-secret", "", "Accept Bearer tokens signed with this key (32+ characters)")
	jwtPrevious := flag.String("jwt-previous-secret", "", "Also accept tokens signed with this retired key")
	issueToken := flag.String("issue-token", "", "Print a token for this subject and exit (needs -jwt-secret)")
	tokenDB := flag.String("token-db", "", "Restrict -issue-token to one database")
	tokenReadOnly := flag.Bool("token-read-only", false, "Issue a read-only token")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of issued tokens")
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash for -password-hash and exit")
	auditDir := flag.String("audit-dir", "", "Also write a hash-chained audit log to this directory")
	auditPG := flag.String("audit-pg-url", "", "Also write audit events to this PostgreSQL database")
	feedAddr := flag.String("changefeed", "", "Publish committed changes on this NNG address (e.g. tcp://127.0.0.1:4990)")
	feedName := flag.String("changefeed-name", "", "Database name in change feed events (default: db file name)")
	logLevel := logging.InfoLevel
	flag.TextVar(&logLevel, "log-level", logging.InfoLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	var tokens auth.TokenValidator
	if *jwtSecret != "" {
		current, err := auth.NewTokenManager(*jwtSecret, *tokenTTL, nil)
		if err != nil {
			log.Fatalf("Invalid -jwt-secret: %v", err)
		}
		if *issueToken != "" {
			access := auth.AccessReadWrite
			if *tokenReadOnly {
				access = auth.AccessReadOnly
			}
			token, err := current.IssueToken(*issueToken, *tokenDB, access)
			if err != nil {
				log.Fatalf("Failed to issue token: %v", err)
			}
			fmt.Println(token)
			return
		}
		tokens = current
		if *jwtPrevious != "" {
			previous, err := auth.NewTokenManager(*jwtPrevious, *tokenTTL, nil)
			if err != nil {
				log.Fatalf("Invalid -jwt-previous-secret: %v", err)
			}
			tokens = auth.NewCompositeTokenValidator(current, previous)
		}
	} else if *issueToken != "" {
		log.Fatalf("-issue-token needs -jwt-secret")
	}

	if *password != "" && *passwordHash != "" {
		log.Fatalf("-password and -password-hash are mutually exclusive")
	}

	logger := logging.NewJSONLogger(os.Stderr, logLevel)
	logging.SetDefaultLogger(logger)

	fmt.Printf("📡 Cluso Sync - Peer\n")
	fmt.Printf("====================\n\n")

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

	recent := audit.NewAuditLogger(1000)
	sinks := []audit.Logger{recent}
	if *auditDir != "" {
		cfg := audit.DefaultPersistentConfig()
		cfg.LogDir = *auditDir
		persistent, err := audit.NewPersistentAuditLogger(cfg)
		if err != nil {
			log.Fatalf("Failed to open audit log: %v", err)
		}
		defer persistent.Close()
		sinks = append(sinks, persistent)
	}
	if *auditPG != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := audit.NewPGAuditLogger(ctx, *auditPG)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect audit database: %v", err)
		}
		defer pg.Close()
		sinks = append(sinks, pg)
		fmt.Printf("📝 Auditing to PostgreSQL\n")
	}
	trail := audit.Tee(sinks...)

	reg := metrics.NewRegistry()
	h := peer.New(db, peer.Options{
		Username:     *username,
		Password:     *password,
		PasswordHash: *passwordHash,
		Tokens:       tokens,
		ReadOnly:     *readOnly,
		Logger:       logger,
		Metrics:      reg,
		Audit:        trail,
	})

	started := time.Now()
	hc := health.NewHealthChecker()
	hc.RegisterCheck("database", health.DatabaseCheck(db))
	hc.RegisterCheck("peer", health.PeerCheck(h.Connections))
	hc.RegisterCheck("memory", health.MemoryCheck(nil))
	hc.RegisterLivenessCheck("database", health.DatabaseCheck(db))
	hc.RegisterReadinessCheck("database", health.DatabaseCheck(db))

	mux := http.NewServeMux()
	mux.Handle("/{db}/"+replicator.SyncPath, h)
	mux.HandleFunc("GET /health", hc.HTTPHandler())
	mux.HandleFunc("GET /health/live", hc.LivenessHandler())
	mux.HandleFunc("GET /health/ready", hc.ReadinessHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /audit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recent.GetRecentEvents(100))
	})

	handler := middleware.Chain(mux,
		middleware.PanicRecovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
	)
	gs := server.NewGracefulServer(*listen, handler, logger)
	scheme := "ws"
	if *tlsCert != "" {
		tlsCfg := tlspkg.DefaultConfig()
		tlsCfg.CertFile = *tlsCert
		tlsCfg.KeyFile = *tlsKey
		tlsCfg.AutoGenerate = *tlsGenerate
		serverTLS, err := tlspkg.ServerConfig(tlsCfg)
		if err != nil {
			log.Fatalf("Failed to configure TLS: %v", err)
		}
		gs.Server().TLSConfig = serverTLS
		scheme = "wss"
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

	fmt.Printf("\n✅ Peer ready\n")
	fmt.Printf("  Sync:      %s://localhost%s/<db>\n", scheme, *listen)
	fmt.Printf("  Auth:      basic=%v token=%v\n", *username != "", tokens != nil)
	fmt.Printf("  Read-only: %v\n\n", *readOnly)

	if err := gs.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	fmt.Printf("\n👋 Peer stopped\n")
}

// Package main is the entry point for the self-healing engine.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsloop/selfheal/internal/actions"
	"github.com/opsloop/selfheal/internal/api"
	"github.com/opsloop/selfheal/internal/catalog"
	"github.com/opsloop/selfheal/internal/config"
	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/escalation"
	"github.com/opsloop/selfheal/internal/feedback"
	"github.com/opsloop/selfheal/internal/lifecycle"
	"github.com/opsloop/selfheal/internal/metrics"
	"github.com/opsloop/selfheal/internal/remediation"
	"github.com/opsloop/selfheal/internal/safety"
	"github.com/opsloop/selfheal/internal/scoring"
	"github.com/opsloop/selfheal/internal/store"
	"github.com/opsloop/selfheal/internal/utils"
	"github.com/opsloop/selfheal/internal/verification"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration YAML file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("selfheal %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	// Resolve config path: --config flag > SELFHEAL_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("SELFHEAL_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Prometheus registry and /metrics listener.
	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		log.Fatalf("register metrics: %v", err)
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	// Playbook catalog, seeded from the pack directory when present.
	cat := catalog.New(db, logger)
	if dir := cfg.Catalog.PackDir; dir != "" {
		if _, statErr := os.Stat(dir); statErr == nil {
			n, loadErr := cat.LoadPackDir(context.Background(), dir)
			if loadErr != nil {
				log.Fatalf("load playbook pack: %v", loadErr)
			}
			logger.Info("playbook pack loaded", "dir", dir, "playbooks", n)
		} else {
			logger.Warn("playbook pack directory missing", "dir", dir)
		}
	}

	// Safety components.
	locks := safety.NewLockTable()
	breakers := safety.NewBreakerRegistry(cfg.BreakerLib())
	breakers.OnTrip = func(playbookID string, scope domain.BlastRadius, until time.Time) {
		m.ObserveBreakerTrip(playbookID, scope)
		logger.Warn("circuit breaker tripped",
			"playbook_id", playbookID, "scope", scope.String(), "open_until", until.Unix())
	}
	gate := safety.NewGate(breakers, cfg.GatePolicy())

	// Outbound capabilities: operator scripts and the on-call webhook.
	runnerActions := actions.NewCommandRunner(cfg.Execution.ActionsDir, logger)
	var notifier escalation.Notifier
	if cfg.Escalation.WebhookURL != "" {
		notifier = escalation.NewWebhookNotifier(cfg.Escalation.WebhookURL, logger)
	} else {
		notifier = escalation.NotifierFunc(func(ctx context.Context, rec domain.EscalationRecord) error {
			logger.Warn("escalation (no webhook configured)",
				"incident_id", rec.IncidentID, "level", rec.Level, "reason", rec.Reason)
			return nil
		})
	}

	// Remediation, verification, escalation, feedback.
	rollbacks := remediation.NewRollbackManager(db, locks, runnerActions, logger)
	coord := remediation.NewCoordinator(db, locks, breakers, runnerActions, runnerActions, rollbacks, logger, cfg.ExecutionLib())
	verifier := verification.NewEngine(db, runnerActions, runnerActions, logger, cfg.VerificationLib())
	verifier.Observe = m.ObserveVerification
	router := escalation.NewRouter(db, notifier, logger)
	recorder := feedback.NewRecorder(db, logger)

	// Ingest feeds category history from the catalog's outcome metrics.
	ingestor := lifecycle.NewIngestor(db, cfg.ScoringLib(), cfg.DedupWindow(), logger)
	ingestor.History = func(ctx context.Context, category domain.Category) (scoring.History, error) {
		rate, samples, histErr := cat.CategoryHistory(ctx, category)
		if histErr != nil {
			return scoring.History{}, histErr
		}
		return scoring.History{SuccessRate: rate, Samples: samples}, nil
	}

	runner := lifecycle.NewRunner(lifecycle.RunnerDeps{
		DB:            db,
		Gate:          gate,
		Selector:      catalog.NewSelector(cat),
		Coordinator:   coord,
		Verifier:      verifier,
		Rollbacks:     rollbacks,
		Escalations:   router,
		Feedback:      recorder,
		Metrics:       m,
		Logger:        logger,
		ConflictRetry: cfg.ConflictRetry(),
		MaxCandidates: cfg.Lifecycle.MaxCandidates,
	})

	resumed, err := runner.ResumeOpen(context.Background())
	if err != nil {
		log.Fatalf("resume open incidents: %v", err)
	}
	if resumed > 0 {
		logger.Info("resumed open incidents", "count", resumed)
	}

	handler := &api.Handler{
		Ingestor:  ingestor,
		Runner:    runner,
		Catalog:   cat,
		DB:        db,
		Incidents: &store.IncidentRepo{},
		Events:    &store.EventRepo{},
		Metrics:   m,
	}
	srv := api.NewServer(handler, cfg.Server.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		runner.Stop()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Error("metrics shutdown", "error", err)
		}
	}()

	logger.Info("self-healing engine listening",
		"addr", cfg.Server.ListenAddr, "metrics_addr", cfg.Server.MetricsAddr)

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// discoverConfig looks for config.yaml next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

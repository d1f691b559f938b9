package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/annotate"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/api"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/config"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/engine"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/events"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/index"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/metrics"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/policy"
	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Dynamic Risk Scoring Engine")

	cfg, err := config.Load(getEnv("RISK_CONFIG_FILE", ""))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.HTTPAddr = getEnv("RISK_HTTP_ADDR", cfg.HTTPAddr)
	cfg.NATSURL = getEnv("RISK_NATS_URL", cfg.NATSURL)
	cfg.PostgresDSN = getEnv("RISK_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.DefaultTenant = getEnv("RISK_DEFAULT_TENANT", cfg.DefaultTenant)
	cfg.PolicyFile = getEnv("RISK_POLICY_FILE", cfg.PolicyFile)
	cfg.AnnotateAPIKey = getEnv("RISK_ANNOTATE_API_KEY", cfg.AnnotateAPIKey)
	cfg.AnnotateURL = getEnv("RISK_ANNOTATE_URL", cfg.AnnotateURL)
	cfg.AnnotateModel = getEnv("RISK_ANNOTATE_MODEL", cfg.AnnotateModel)
	postureURL := getEnv("RISK_POSTURE_URL", "")
	scoreIntervalSec := getEnvInt("RISK_SCORE_INTERVAL_SEC", int(cfg.ScoreInterval.Seconds()))
	cfg.ScoreInterval = time.Duration(scoreIntervalSec) * time.Second

	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"default_tenant", cfg.DefaultTenant,
		"score_interval", cfg.ScoreInterval.String(),
		"postgres", cfg.PostgresDSN != "",
		"posture_url", postureURL != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	// Policy store: Postgres when configured, memory otherwise.
	var policies policy.Store
	if cfg.PostgresDSN != "" {
		pgStore, err := policy.NewPostgresStore(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Error("Failed to open policy database", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		policies = pgStore
	} else {
		policies = policy.NewMemoryStore()
	}

	bootstrapPolicy := func() {
		if err := publishBootstrapPolicy(ctx, policies, cfg, logger); err != nil {
			logger.Error("Failed to publish bootstrap policy", "error", err)
		}
	}
	bootstrapPolicy()

	memStore := store.NewMemoryStore()
	window := index.NewSignalWindow(cfg.WindowMaxAge)
	window.StartGC(cfg.WindowGCEvery)
	defer window.StopGC()
	graph := index.NewDepGraph()
	engineMetrics := metrics.New()

	var postures engine.PostureProvider
	if postureURL != "" {
		postures = engine.NewHTTPPostureProvider(postureURL)
	}

	var annotators []annotate.Annotator
	if cfg.AnnotateAPIKey != "" {
		annotators = append(annotators, annotate.NewOpenAIClient(cfg.AnnotateAPIKey, cfg.AnnotateURL, cfg.AnnotateModel))
	}
	chain := annotate.NewChain(cfg.AnnotateTimeout, logger, annotators...)

	publisher := events.NewPublisher(nc, logger)

	riskEngine, err := engine.New(memStore, policies, window, graph, postures, publisher, chain, engineMetrics, logger, engine.DefaultOptions())
	if err != nil {
		logger.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}

	// Upstream delta notifications trigger targeted re-scoring.
	deltaSub, err := events.SubscribeSignalDeltas(nc, logger, func(delta events.SignalDelta) {
		riskEngine.TriggerRescore(ctx, delta.TenantID, delta.ServiceID)
	})
	if err != nil {
		logger.Error("Failed to subscribe to signal deltas", "error", err)
		os.Exit(1)
	}
	defer deltaSub.Unsubscribe()

	scheduler := engine.NewScheduler(riskEngine, cfg.ScoreInterval, logger)
	go scheduler.Run(ctx)

	if cfg.PolicyFile != "" {
		go func() {
			if err := config.WatchFile(ctx, cfg.PolicyFile, bootstrapPolicy); err != nil {
				logger.Warn("Policy file watcher stopped", "error", err)
			}
		}()
	}

	httpAPI := api.New(riskEngine, memStore, policies, graph, func() bool {
		return nc.IsConnected()
	}, logger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpAPI.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	cancel()
	logger.Info("Engine stopped")
}

// publishBootstrapPolicy loads the policy file (YAML) for the default
// tenant and publishes it as a new version. Without a file, a default
// policy is published once so the default tenant can score.
func publishBootstrapPolicy(ctx context.Context, policies policy.Store, cfg config.Config, logger *slog.Logger) error {
	if cfg.PolicyFile == "" {
		if _, err := policies.Active(ctx, cfg.DefaultTenant); err == nil {
			return nil
		}
		p := policy.Default(cfg.DefaultTenant)
		p.PublishedBy = "bootstrap"
		published, err := policies.Publish(ctx, p)
		if err != nil {
			return err
		}
		logger.Info("Default policy published", "tenant_id", cfg.DefaultTenant, "version", published.Version)
		return nil
	}

	data, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	var p policy.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.TenantID == "" {
		p.TenantID = cfg.DefaultTenant
	}
	p.PublishedBy = "policy-file"
	published, err := policies.Publish(ctx, &p)
	if err != nil {
		return err
	}
	logger.Info("Bootstrap policy published",
		"tenant_id", published.TenantID, "version", published.Version, "file", cfg.PolicyFile)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

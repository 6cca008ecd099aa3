package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valueai/internal/appraisal"
	"valueai/internal/config"
	"valueai/internal/credits"
	"valueai/internal/httpapi"
	"valueai/internal/payments"
	"valueai/internal/session"
	"valueai/internal/store"
	"valueai/internal/store/postgres"
	"valueai/internal/telegram"
)

var demoKeys = map[string]int{
	"DEMO-KEY": 3,
	"TEST-KEY": 10,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var (
		configPath = flag.String("config", getenvDefault("CONFIG_PATH", "./valueai.yaml"), "YAML config path (or env CONFIG_PATH)")
		httpAddr   = flag.String("http", "", "HTTP listen address, overrides config")
		dbPath     = flag.String("db", "", "bbolt path, overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fatal("store open", err)
	}
	defer st.Close()

	ledger := credits.NewService(st, logger.With("component", "credits"))
	if cfg.SeedDemo {
		if err := ledger.SeedIfEmpty(ctx, demoKeys); err != nil {
			fatal("seed demo keys", err)
		}
	}

	sessions, err := newSessions(cfg)
	if err != nil {
		fatal("sessions", err)
	}

	var analyzer appraisal.Analyzer
	aiModel := "disabled"
	if cfg.GeminiAPIKey != "" {
		g, err := appraisal.NewGeminiAnalyzer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger.With("component", "gemini"))
		if err != nil {
			fatal("gemini", err)
		}
		analyzer, aiModel = g, g.Name()
	} else {
		analyzer = unavailableAnalyzer{}
		logger.Warn("GEMINI_API_KEY not set; appraisals will fail as unavailable")
	}
	orchestrator := appraisal.NewOrchestrator(ledger, analyzer, cfg.AnalysisTimeout, logger.With("component", "appraisal"))

	var gateway payments.Gateway
	if cfg.StripeSecretKey != "" {
		gw, err := payments.NewStripeGateway(payments.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.StripeSuccessURL,
			CancelURL:     cfg.StripeCancelURL,
		})
		if err != nil {
			fatal("stripe", err)
		}
		gateway = gw
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout disabled")
	}
	checkout := payments.NewService(gateway, ledger, credits.NewCatalog(cfg.Plans), cfg.PaymentTimeout, logger.With("component", "payments"))

	system := httpapi.SystemInfo{StoreDriver: cfg.StoreDriver, AIModel: aiModel, StartedAt: time.Now().UTC()}
	api := httpapi.New(httpapi.Options{
		Ledger:      ledger,
		Appraiser:   orchestrator,
		Checkout:    checkout,
		Sessions:    sessions,
		System:      system,
		CORSOrigins: cfg.CORSOrigins,
		Log:         logger.With("component", "http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	if cfg.TelegramToken != "" {
		desc := fmt.Sprintf("Store: %s\nAI: %s\nPayments: %v\nStarted: %s",
			cfg.StoreDriver, aiModel, checkout.Enabled(), system.StartedAt.Format(time.RFC3339))
		bot, err := telegram.NewBot(cfg.TelegramToken, cfg.TelegramAdminID, ledger, desc, logger.With("component", "telegram"))
		if err != nil {
			fatal("telegram bot", err)
		}
		go func() {
			if err := bot.Run(ctx); err != nil {
				logger.Error("bot error", "err", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "postgres" {
		pg, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	bb, err := store.OpenBBolt(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return bb, nil
}

func newSessions(cfg config.Config) (*session.Issuer, error) {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		var err error
		if secret, err = session.RandomSecret(); err != nil {
			return nil, err
		}
		slog.Warn("SESSION_SECRET not set; using a random secret, sessions end on restart")
	}
	if cfg.AdminPasswordHash == "" {
		slog.Warn("ADMIN_PASSWORD_HASH not set; admin surface disabled")
	}
	return session.NewIssuer(secret, cfg.SessionTTL, cfg.AdminPasswordHash)
}

// unavailableAnalyzer stands in when no AI key is configured.
type unavailableAnalyzer struct{}

func (unavailableAnalyzer) Analyze(context.Context, appraisal.Image) (appraisal.Valuation, error) {
	return appraisal.Valuation{}, errors.New("ai service not configured")
}

func fatal(what string, err error) {
	slog.Error(what, "err", err)
	os.Exit(1)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

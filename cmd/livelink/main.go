package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xaenox/livelink/internal/background"
	"github.com/xaenox/livelink/internal/bot"
	"github.com/xaenox/livelink/internal/chat"
	"github.com/xaenox/livelink/internal/commands"
	"github.com/xaenox/livelink/internal/completion"
	"github.com/xaenox/livelink/internal/directory"
	"github.com/xaenox/livelink/internal/history"
	"github.com/xaenox/livelink/internal/metrics"
	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/postal"
	"github.com/xaenox/livelink/internal/presence"
	"github.com/xaenox/livelink/internal/profiles"
	"github.com/xaenox/livelink/internal/storage"
	"github.com/xaenox/livelink/pkg/config"
	"go.uber.org/zap"
)

func openStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverBolt:
		logger.Info("Using bbolt storage", zap.String("path", cfg.Storage.BoltPath))
		return storage.NewBoltStorage(cfg.Storage.BoltPath)
	case config.DriverPostgres:
		logger.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
}

// serveMetrics exposes /metrics on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	seed := make([]models.Channel, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		seed[i] = models.Channel{Name: ch.Name, Category: ch.Category, BackgroundURL: ch.BackgroundURL}
	}
	if err := directory.Seed(ctx, store, seed, logger); err != nil {
		logger.Fatal("Failed to seed channels", zap.Error(err))
	}

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, m, logger)
	}

	tracker, err := presence.NewTracker(store, cfg.Presence.Tracker(), logger, presence.WithMetrics(m))
	if err != nil {
		logger.Fatal("Invalid presence settings", zap.Error(err))
	}

	runner := background.NewRunner(ctx, logger)
	defer runner.Wait()

	repo := profiles.NewRepository(store, logger)
	visits := history.NewMaintainer(store, logger)
	messages := chat.NewService(store, logger)

	deps := commands.Dependencies{
		Profiles: repo,
		Messages: messages,
		Visits:   visits,
		Presence: tracker,
		Runner:   runner,
		Metrics:  m,
	}
	if cfg.OpenAI.APIKey != "" {
		deps.Completer = completion.NewGPTClient(completion.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		}, logger)
	} else {
		logger.Warn("No completion API key configured, bot replies disabled")
	}
	processor := commands.NewProcessor(commands.Config{
		BotTrigger:      cfg.Commands.BotTrigger,
		SystemPrompt:    cfg.OpenAI.SystemPrompt,
		ModeratorStatus: models.Status(cfg.Commands.ModeratorStatus),
	}, deps, logger)

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, bot.Services{
		Profiles:  repo,
		Directory: directory.New(store, logger),
		Tracker:   tracker,
		Visits:    visits,
		Chat:      messages,
		Processor: processor,
		Postal:    postal.NewClient(cfg.Postal.BaseURL, logger),
		Runner:    runner,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
	}
	logger.Info("Shutting down")
}

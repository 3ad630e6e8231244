package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"branchflow/backend/internal/api"
	"branchflow/backend/internal/config"
	"branchflow/backend/internal/database"
	"branchflow/backend/internal/files"
	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/repository"
	"branchflow/backend/internal/service"
	"branchflow/backend/internal/tree"
)

// shutdownTimeout bounds how long in-flight requests get on shutdown.
const shutdownTimeout = 15 * time.Second

// App holds the wired application. Exactly one of DB and Redis is set,
// depending on the storage driver.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	Server *http.Server
	Chats  *service.ChatService

	locals []*llm.LocalProvider
}

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)

	logConfigSource()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		return 1
	}
	defer app.Close()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", cfg.AppPort, "storage", cfg.StorageDriver)
		serverErr <- app.Server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
			return 1
		}
	}

	return 0
}

// NewApp wires storage, providers, services and the HTTP server from cfg.
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}
	ctx := context.Background()

	repo, err := app.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	registry, err := cfg.Providers()
	if err != nil {
		app.Close()
		return nil, err
	}
	dispatch, err := app.buildDispatch(ctx, registry.Providers)
	if err != nil {
		app.Close()
		return nil, err
	}

	fileStore, err := files.NewDiskStore(cfg.FilesDir)
	if err != nil {
		app.Close()
		return nil, err
	}

	optionSetService := service.NewOptionSetService(repo, dispatch)
	if err := optionSetService.Seed(ctx, registry.OptionSets); err != nil {
		app.Close()
		return nil, err
	}

	settings := service.Settings{SystemPrompt: cfg.SystemPrompt}
	if cfg.TitleProvider != "" && cfg.TitleModel != "" {
		settings.TitleModel = &model.ModelRef{Provider: cfg.TitleProvider, Model: cfg.TitleModel}
	}

	app.Chats = service.NewChatService(tree.New(repo), dispatch, repo, fileStore, settings)
	modelService := service.NewModelService(dispatch)

	chatHandler := api.NewChatHandler(app.Chats)
	modelHandler := api.NewModelHandler(modelService, optionSetService)
	fileHandler := api.NewFileHandler(fileStore)
	router := api.NewRouter(chatHandler, modelHandler, fileHandler)

	app.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      0, // Disabled for streaming endpoints
		IdleTimeout:       120 * time.Second,
	}
	return app, nil
}

func (a *App) openStorage(ctx context.Context) (repository.Repository, error) {
	switch a.Config.StorageDriver {
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("could not connect to redis at %s: %w", a.Config.RedisAddr, err)
		}
		a.Redis = rdb
		slog.Info("Successfully connected to Redis.", "addr", a.Config.RedisAddr)
		return repository.NewRedisRepository(rdb), nil
	default:
		db, err := database.InitDB(a.Config.DatabasePath)
		if err != nil {
			return nil, err
		}
		a.DB = db
		slog.Info("Successfully connected to SQLite database.", "path", a.Config.DatabasePath)
		return repository.NewSQLiteRepository(db), nil
	}
}

func (a *App) buildDispatch(ctx context.Context, entries []config.ProviderEntry) (*llm.Dispatch, error) {
	dispatch := llm.NewDispatch()
	for _, entry := range entries {
		if entry.Kind == llm.KindLocal {
			local := llm.NewLocalProvider(entry.Name, a.Config.LocalWorkers, a.Config.LocalTokenDelay)
			a.locals = append(a.locals, local)
			dispatch.Register(entry.Name, local)
			continue
		}

		p, err := llm.NewProvider(llm.Spec{Name: entry.Name, Kind: entry.Kind, URL: entry.URL, APIKey: entry.APIKey})
		if err != nil {
			return nil, err
		}
		if entry.Kind == llm.KindOllama {
			waitForOllama(ctx, entry.URL, 3, time.Second)
		}
		dispatch.Register(entry.Name, p)
		slog.Info("Registered provider", "provider", entry.Name, "kind", entry.Kind)
	}
	return dispatch, nil
}

// Close stops running generations and releases every resource NewApp opened.
func (a *App) Close() {
	if a.Chats != nil {
		a.Chats.Close()
	}
	for _, local := range a.locals {
		local.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Error("Failed to close redis connection", "error", err)
		}
	}
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// waitForOllama probes an Ollama server a few times. An unreachable server
// is not fatal: its models are listed as unavailable until it comes up.
func waitForOllama(ctx context.Context, ollamaURL string, attempts int, interval time.Duration) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ollamaURL, nil)
		if err != nil {
			slog.Warn("Invalid Ollama URL", "url", ollamaURL, "error", err)
			return false
		}
		resp, err := client.Do(req)
		if err == nil {
			if bErr := resp.Body.Close(); bErr != nil {
				slog.Warn("Failed to close response body in ollama health check", "error", bErr)
			}
			if resp.StatusCode == http.StatusOK {
				slog.Info("Ollama is ready.", "url", ollamaURL)
				return true
			}
		}
		slog.Debug("Ollama not ready yet, retrying...", "url", ollamaURL, "error", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false
		}
	}
	slog.Warn("Ollama is not reachable, continuing without it", "url", ollamaURL)
	return false
}

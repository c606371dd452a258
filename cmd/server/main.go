package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/api"
	"github.com/wuwenbin0122/chihaya-ai/internal/auth"
	"github.com/wuwenbin0122/chihaya-ai/internal/controller"
	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/db"
	"github.com/wuwenbin0122/chihaya-ai/internal/events"
	"github.com/wuwenbin0122/chihaya-ai/internal/relay"
	"github.com/wuwenbin0122/chihaya-ai/internal/session"
	"github.com/wuwenbin0122/chihaya-ai/internal/storage/boltstore"
	"github.com/wuwenbin0122/chihaya-ai/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		utils.Logger().Info("config: no .env file loaded", zap.Error(err))
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		utils.Logger().Fatal("config: failed to load", zap.Error(err))
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		utils.Logger().Fatal("logger: failed to build", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("postgres: failed to connect", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.Ping(ctx); err != nil {
		logger.Fatal("postgres: ping failed", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx); err != nil {
		logger.Fatal("postgres: ensure schema", zap.Error(err))
	}

	backends, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage: failed to open", zap.Error(err))
	}
	defer cleanup()

	authService, err := auth.NewService(db.NewPostgresUserStore(postgres), cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("failed to initialise auth service", zap.Error(err))
	}

	provider := relay.NewOpenAIProvider(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout)
	relayService := relay.NewService(provider, db.NewPostgresMessageLog(postgres), relay.Config{
		Model:       cfg.Upstream.Model,
		Temperature: cfg.Upstream.Temperature,
		Timeout:     cfg.Upstream.Timeout,
	}, logger.Named("relay"))

	bus := events.NewBus(logger.Named("events"))
	repo := conversation.NewRepository(backends.conversations, conversation.WithPublisher(bus))
	ctrl := controller.New(repo, backends.sessions, relay.TextRelay{Service: relayService},
		controller.WithPublisher(bus),
		controller.WithLogger(logger.Named("controller")),
		controller.WithRelayTimeout(cfg.Upstream.Timeout),
	)

	handler := api.NewHandler(authService, relayService, ctrl, bus, logger.Named("api"))
	router := setupRouter(handler, logger)

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Relay calls may take up to the upstream timeout.
		WriteTimeout: cfg.Upstream.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("conversation_backend", cfg.Storage.ConversationBackend),
			zap.String("session_backend", cfg.Storage.SessionBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server crashed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

func setupRouter(handler *api.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(api.CORS(), api.RequestLogger(logger.Named("http")), gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	handler.RegisterRoutes(router)

	return router
}

type stores struct {
	conversations conversation.Backend
	sessions      session.Store
}

// openStores connects only the backends the configuration selects.
func openStores(ctx context.Context, cfg *utils.Config, logger *zap.Logger) (*stores, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var bolt *boltstore.Store
	openBolt := func() (*boltstore.Store, error) {
		if bolt != nil {
			return bolt, nil
		}
		store, err := boltstore.Open(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("bolt: close error", zap.Error(err))
			}
		})
		bolt = store
		return store, nil
	}

	out := &stores{}

	switch cfg.Storage.ConversationBackend {
	case utils.BackendMongo:
		mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				logger.Warn("mongo: close error", zap.Error(err))
			}
		})
		if err := mongoStore.EnsureCollections(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		out.conversations = db.NewMongoConversationBackend(mongoStore)
	case utils.BackendBolt:
		store, err := openBolt()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		out.conversations = store
	default:
		out.conversations = conversation.NewMemoryBackend()
	}

	switch cfg.Storage.SessionBackend {
	case utils.BackendRedis:
		client, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis: close error", zap.Error(err))
			}
		})
		out.sessions = db.NewRedisSessionStore(client, cfg.Redis.KeyPrefix)
	case utils.BackendBolt:
		store, err := openBolt()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		out.sessions = store
	default:
		out.sessions = session.NewMemoryStore()
	}

	return out, cleanup, nil
}

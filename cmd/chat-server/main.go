package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weiawesome/duo-chat/internal/archive"
	"github.com/weiawesome/duo-chat/internal/cache"
	"github.com/weiawesome/duo-chat/internal/config"
	chatgrpc "github.com/weiawesome/duo-chat/internal/grpc"
	"github.com/weiawesome/duo-chat/internal/handler"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/messagelog"
	"github.com/weiawesome/duo-chat/internal/presence"
	"github.com/weiawesome/duo-chat/internal/relay"
	"github.com/weiawesome/duo-chat/internal/repository"
	"github.com/weiawesome/duo-chat/internal/search"
	"github.com/weiawesome/duo-chat/internal/service"
	"github.com/weiawesome/duo-chat/internal/typing"
	"github.com/weiawesome/duo-chat/pkg/database"
	"github.com/weiawesome/duo-chat/pkg/jwt"
	pkglog "github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/middleware"
	"github.com/weiawesome/duo-chat/pkg/pubsub"
	"github.com/weiawesome/duo-chat/pkg/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "chat-server"
	}
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = uuid.New().String()
	}
	logger = logger.With().Str(pkglog.FieldInstance, cfg.Instance.ID).Logger()
	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting chat-server")

	// Initialize database
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db, repository.Models()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	// Initialize message cache (optional)
	var msgCache cache.MessageCache
	if cfg.Cache.Enabled {
		redisCache, err := cache.NewRedisMessageCache(cfg.Redis, cfg.Cache.Prefix)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to connect to redis, message cache disabled")
		} else {
			msgCache = redisCache
			defer redisCache.Close()
			logger.Info().Str("address", cfg.Redis.Address).Msg("message cache enabled")
		}
	}

	// Initialize JWT manager
	jwtManager, err := jwt.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create jwt manager")
	}

	// Initialize repositories
	messageRepo := repository.NewGormMessageRepository(db)
	todoRepo := repository.NewGormTodoRepository(db)

	// Initialize realtime core
	h := hub.NewHub(cfg.Hub)
	reg := presence.NewRegistry(h, presence.Config{
		LivenessWindow: cfg.Presence.LivenessWindow,
		SweepInterval:  cfg.Presence.SweepInterval,
	})
	tc := typing.NewCoordinator(h)
	msgLog := messagelog.New(messageRepo, h, msgCache, messagelog.Config{
		MaxLength: cfg.Message.MaxLength,
		CacheTTL:  cfg.Cache.TTL,
	})

	// Initialize services
	chatSvc := service.NewChatService(h, msgLog, reg, tc, jwtManager, service.Config{
		AuthTimeout: cfg.WebSocket.AuthTimeout,
	})
	todoSvc := service.NewTodoService(todoRepo)
	h.OnOverflowDisconnect = chatSvc.HandleOverflow

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize transcript archive (optional)
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		store, err := storage.New(ctx, cfg.Archive.Storage)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.Archive.Storage.Driver).Msg("failed to create archive storage")
		}
		archiver = archive.New(msgLog, store, archive.Config{
			Prefix:       cfg.Archive.Prefix,
			URLTTL:       cfg.Archive.URLTTL,
			DownloadBase: "/api/v1/exports",
		})
		logger.Info().Str("driver", cfg.Archive.Storage.Driver).Msg("transcript archive enabled")
	}

	// Start message search index (optional)
	var indexer *search.Indexer
	if cfg.Search.Enabled {
		esClient, err := search.NewClient(search.Config{
			Addresses: cfg.Search.Addresses,
			Username:  cfg.Search.Username,
			Password:  cfg.Search.Password,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create search client")
		}
		indexer = search.NewIndexer(h, search.NewESRepository(esClient, cfg.Search.Index), msgLog, cfg.Instance.ID)
		if err := indexer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Strs("addresses", cfg.Search.Addresses).Msg("failed to start search indexer")
		}
		logger.Info().Str("index", cfg.Search.Index).Msg("message search enabled")
	}

	reg.Start(ctx)

	// Start cross-instance relay (optional)
	var rl *relay.Relay
	if cfg.PubSub.Enabled {
		bus, err := pubsub.NewPubSub(cfg.PubSub, cfg.Instance.ID)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to create pubsub")
		}
		defer bus.Close()

		rl = relay.New(h, bus, tc, reg, cfg.Instance.ID)
		rl.PresenceRefresh = cfg.Presence.LivenessWindow / 3
		if err := rl.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start relay")
		}
	}

	// Start gRPC ops server
	var grpcStop func()
	if cfg.GRPC.Enabled {
		grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		grpcServer, healthServer, err := chatgrpc.StartGRPCServer(grpcAddr, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start grpc server")
		}
		grpcStop = func() {
			healthServer.Shutdown()
			grpcServer.GracefulStop()
		}
	}

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(pkglog.GinMiddleware(logger, "/health"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance_id": cfg.Instance.ID})
	})

	wsHandler := handler.NewWSHandler(h, chatSvc, cfg.WebSocket)
	wsHandler.RegisterRoutes(router)

	httpHandler := handler.NewHandler(chatSvc, todoSvc, archiver, indexer, middleware.NewAuthMiddleware(jwtManager))
	httpHandler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", addr).Msg("chat-server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chat-server")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		if grpcStop != nil {
			grpcStop() // 1. report NOT_SERVING, stop ops server
		}

		if rl != nil {
			rl.Stop() // 2. stop cross-instance fan-out
		}

		if indexer != nil {
			indexer.Stop() // 3. stop search indexing
		}

		reg.Stop() // 4. stop presence sweeper

		h.Close() // 5. close subscriptions and websocket clients

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		cancel()
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("chat-server stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}

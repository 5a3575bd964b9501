package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/config"
	"go-chat-sync/internal/db"
	"go-chat-sync/internal/metrics"
	myMiddleware "go-chat-sync/internal/middleware"
	"go-chat-sync/internal/presence"
	"go-chat-sync/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		logger.Fatal("❌ Failed to connect to DB", zap.Error(err))
	}
	defer database.Close()
	logger.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		logger.Fatal("❌ Migration failed", zap.Error(err))
	}
	logger.Info("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Fatal("❌ Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("✅ Connected to Redis")

	// 4. Presence core
	m := metrics.New()
	registry := presence.NewRegistry(logger.Named("registry"), m)
	broadcaster := presence.NewBroadcaster(registry, logger.Named("presence"), m)

	lastSeen := presence.NewRedisLastSeen(redisClient)
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorder := presence.NewRecorder(lastSeen, cfg.SendBuffer, logger.Named("last_seen"))
	registry.AddListener(recorder)
	go recorder.Run(recorderCtx)

	// 5. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, registry, lastSeen, logger.Named("user"))
	userHandler := user.NewHandler(userService, logger.Named("user"))

	// 6. Initialize Chat Feature
	router := chat.NewRouter(registry, logger.Named("router"), m)
	chatRepo := chat.NewRepository(database.Conn)
	chatService := chat.NewService(chatRepo, router, cfg.HistoryLimit, logger.Named("chat"))
	hub := chat.NewHub(registry, broadcaster, router, chatService, chat.HubConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
		RateLimit:      rate.Limit(cfg.RateLimit.PerSecond),
		RateBurst:      cfg.RateLimit.Burst,
	}, logger.Named("hub"), m)
	chatHandler := chat.NewHandler(hub, chatService, logger.Named("chat"))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users", userHandler.ListUsers)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{userId}", userHandler.GetUser)
		r.Put("/api/users/profile", userHandler.UpdateProfile)

		// WebSocket + messages + groups
		chatHandler.Routes(r)
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server starting", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error("❌ Server stopped", zap.Error(err))
	case <-ctx.Done():
		logger.Info("🛑 Shutting down")
	}

	// 8. Graceful shutdown: stop accepting, close sockets, flush last-seen.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown", zap.Error(err))
	}
	stopRecorder()
	select {
	case <-recorder.Done():
	case <-shutdownCtx.Done():
		logger.Warn("last seen recorder did not drain in time")
	}
	logger.Info("👋 Server stopped")
}

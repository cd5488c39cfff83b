package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"social-hub/internal/broker"
	"social-hub/internal/chat"
	"social-hub/internal/config"
	"social-hub/internal/db"
	"social-hub/internal/directory"
	"social-hub/internal/group"
	"social-hub/internal/logging"
	myMiddleware "social-hub/internal/middleware"
	"social-hub/internal/session"
	"social-hub/internal/telemetry"
	"social-hub/internal/user"
)

func main() {
	// 1. Config & Flags
	cfg := config.Load()
	addr := flag.String("addr", cfg.Service.Addr, "http service address")
	flag.Parse()

	log := logging.New(cfg)

	if cfg.Database.DSN == "" {
		log.Error("DB_DSN is not set")
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Init(ctx, cfg)
	if err != nil {
		log.Error("main - telemetry - init failed", logging.Err(err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.Database)
	if err != nil {
		log.Error("main - db - connect failed", logging.Err(err))
		os.Exit(1)
	}
	defer database.Close()

	if err := database.AutoMigrate(); err != nil {
		log.Error("main - db - migration failed", logging.Err(err))
		os.Exit(1)
	}
	log.Info("main - db - ready", slog.String("driver", database.Driver))

	// 3. Connect to Redis
	rdb, err := broker.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Error("main - redis - connect failed", logging.Err(err))
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("main - redis - ready")

	presence := broker.NewPresence(rdb, cfg.Redis.PresenceKey, cfg.Redis.PresenceTTL)
	go prunePresence(ctx, presence, cfg.Redis.PresenceTTL, log)

	// 4. Users & groups
	userRepo := user.NewRepository(database)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	groups := group.NewRepository(database)

	// 5. Hub
	store := chat.NewRepository(database)
	hub := chat.NewHub(chat.Options{
		Store:           store,
		Groups:          groups,
		Users:           userService,
		Presence:        presence,
		Inbox:           broker.NewInbox(rdb, cfg.Redis.InboxPrefix, cfg.Redis.InboxMaxLen),
		Relay:           broker.NewRelay(rdb, cfg.Redis.RelayChannel, cfg.Service.NodeID, log),
		Directory:       directory.New(cfg.Hub.PairBase),
		NodeID:          cfg.Service.NodeID,
		TypingTimeout:   cfg.Hub.TypingTimeout,
		PresenceRefresh: cfg.Redis.PresenceTTL / 3,
		Log:             log,
	})
	go hub.Run(ctx)

	chatHandler := chat.NewHandler(hub, store, groups, userService, session.Config{
		WriteWait:      cfg.Hub.WriteWait,
		PongWait:       cfg.Hub.PongWait,
		PingPeriod:     cfg.Hub.PingPeriod,
		MaxMessageSize: cfg.Hub.MaxMessageSize,
		SendBuffer:     cfg.Hub.SendBuffer,
		LedgerCap:      cfg.Hub.LedgerCap,
	}, cfg.Hub.HistoryLimit)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.Tracer(cfg.Service.Name))
	r.Use(myMiddleware.RequestLogger(log))

	// Public Routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{id}", userHandler.Profile)
		chatHandler.Mount(r)
	})

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("main - server - starting", slog.String("addr", *addr), slog.String("node", cfg.Service.NodeID))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("main - server - failed", logging.Err(err))
		os.Exit(1)
	}
	log.Info("main - server - stopped")
}

// prunePresence drops users whose node stopped refreshing them.
func prunePresence(ctx context.Context, p *broker.Presence, ttl time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				log.Warn("main - presence - prune failed", logging.Err(err))
				continue
			}
			if n > 0 {
				log.Debug("main - presence - pruned", slog.Int64("users", n))
			}
		}
	}
}

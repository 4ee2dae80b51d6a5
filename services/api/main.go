package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friendchat/internal/backend"
	"github.com/friendchat/internal/config"
	"github.com/friendchat/internal/handler"
	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/push"
	"github.com/friendchat/internal/repository"
	"github.com/friendchat/internal/startup"
	"github.com/friendchat/internal/storage"
	"github.com/friendchat/internal/storage/memory"
	"github.com/friendchat/internal/ws"
)

// stores объединяет хранилище сессий и канал изменений. Redis в проде, память в -dev.
type stores interface {
	storage.SessionStore
	storage.ChangeFeed
}

func main() {
	logger.SetPrefix("api")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory Redis replacement")
	seed := flag.Bool("seed", false, "create demo users who are friends with each other (dev)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	if err := startup.Migrate(cfg.DatabaseURL()); err != nil {
		logger.Errorf("migrate: %v", err)
		os.Exit(1)
	}
	logger.Info("database connected, migrations applied")
	if *migrateOnly && !*dev {
		return
	}

	var st stores
	if *dev {
		st = memory.New()
		logger.Info("dev mode: sessions and change feed in memory")
	} else {
		st = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer st.Close()

	userRepo := repository.NewUserRepository(pool)
	bc := backend.New(backend.Deps{
		Users:    userRepo,
		Friends:  repository.NewFriendRepository(pool),
		Messages: repository.NewMessageRepository(pool),
		Typing:   repository.NewTypingRepository(pool),
		Feed:     st,
		Sessions: st,
	}, backend.Options{
		JWTSecret:  cfg.Auth.JWTSecret,
		SessionTTL: cfg.Auth.SessionTTL,
		BcryptCost: cfg.Auth.BcryptCost,
		Retry: backend.RetryPolicy{
			MaxAttempts:     cfg.Chat.RetryMaxAttempts,
			InitialInterval: cfg.Chat.RetryInitialInterval,
			MaxInterval:     cfg.Chat.RetryMaxInterval,
		},
	})

	if *seed {
		seedDemo(bc)
	}

	// При старте живых соединений нет: все offline.
	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := userRepo.ResetStatuses(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()

	pushClient := push.NewClient(cfg.PushServiceURL, cfg.Push.InternalSecret)
	var notifier ws.PushNotifier
	if pushClient.Enabled() {
		notifier = pushClient
	}
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(bc, notifier, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		TypingTimeout:  cfg.Chat.TypingTimeout,
		CallTimeout:    cfg.Chat.CallTimeout,
		MaxVisible:     cfg.Notifications.MaxVisible,
		AutoHide:       cfg.Notifications.AutoHide,
		Location:       time.Local,
	})

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(bc)
	presenceH := handler.NewPresenceHandler(bc, hub)
	friendsH := handler.NewFriendsHandler(bc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/config/client", configH.GetClientConfig)
	r.With(middleware.RateLimitAuth).Post("/api/auth/sign-up", authH.SignUp)
	r.With(middleware.RateLimitAuth).Post("/api/auth/sign-in", authH.SignIn)
	r.Post("/api/presence/offline", presenceH.Offline)
	r.Get("/ws", wsH.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(bc))
		r.Post("/api/auth/sign-out", authH.SignOut)
		r.Get("/api/auth/session", authH.Session)
		r.Get("/api/friends", friendsH.List)
		r.Get("/api/friends/{friendId}/messages", friendsH.Messages)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	webDist := "./web/dist"
	if info, err := os.Stat(webDist); err == nil && info.IsDir() {
		r.Get("/*", spaHandler(webDist))
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Hub закрывает соединения; каждая сессия отправляет offline до выхода.
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// seedDemo создаёт демо-пользователей (пароль "password") и дружбу между всеми. Повторный запуск ничего не меняет.
func seedDemo(bc *backend.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	names := []string{"Alice", "Bob", "Carol"}
	var ids []string
	for _, name := range names {
		email := strings.ToLower(name) + "@example.com"
		sess, err := bc.SignUp(ctx, email, "password", name)
		if errors.Is(err, backend.ErrEmailTaken) {
			logger.Debugf("seed: %s already exists", email)
			return
		}
		if err != nil {
			logger.Errorf("seed sign up %s: %v", email, err)
			return
		}
		if err := bc.SignOut(ctx, sess.Token); err != nil {
			logger.Errorf("seed sign out %s: %v", email, err)
		}
		ids = append(ids, sess.User.ID)
	}
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if err := bc.Befriend(ctx, ids[i], ids[j]); err != nil {
				logger.Errorf("seed befriend: %v", err)
			}
		}
	}
	logger.Infof("seed: created %d demo users", len(ids))
}

func spaHandler(dir string) http.HandlerFunc {
	fs := http.Dir(dir)
	fileServer := http.FileServer(fs)
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(filepath.Clean(r.URL.Path), "/")
		if path == "" {
			path = "index.html"
		}
		if f, err := fs.Open(path); err != nil {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		} else {
			f.Close()
			fileServer.ServeHTTP(w, r)
		}
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "friendchat"
		password = "friendchat_secret"
		database = "friendchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

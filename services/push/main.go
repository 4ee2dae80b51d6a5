// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
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

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/friendchat/internal/config"
	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/push"
	"github.com/friendchat/internal/storage"
	"github.com/friendchat/internal/storage/memory"
	"github.com/friendchat/internal/startup"
)

func main() {
	logger.SetPrefix("push")
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	dev := flag.Bool("dev", false, "keep subscriptions in memory instead of Redis")
	flag.Parse()

	if *genVAPID {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		time.Sleep(100 * time.Millisecond) // асинхронный логгер
		return
	}

	logger.Info("starting push service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	keys := &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		loaded, err := push.EnsureVAPIDKeys("")
		if err != nil {
			logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи: %v: push отключены", err)
		} else {
			keys = loaded
		}
	}
	vapid := push.VAPIDOptions(keys, cfg.Push.Subscriber)
	if vapid == nil {
		logger.Info("VAPID-ключи не заданы: подписки сохраняются, отправка не выполняется")
	}

	var subs storage.PushSubscriptionStore
	if *dev {
		subs = memory.New()
	} else {
		rdb := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer rdb.Close()
		subs = rdb
	}
	s := push.NewServer(subs, vapid, nil)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.Push.InternalSecret))
		s.Routes(r)
	})

	srv := &http.Server{
		Addr:         cfg.Push.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("push server listening on %s", cfg.Push.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("push server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
}

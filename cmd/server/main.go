package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heartline/internal/auth"
	"github.com/heartline/internal/config"
	"github.com/heartline/internal/handler"
	"github.com/heartline/internal/hub"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/middleware"
	"github.com/heartline/internal/presence"
	"github.com/heartline/internal/push"
	"github.com/heartline/internal/repository"
	"github.com/heartline/internal/startup"
)

func main() {
	logger.SetPrefix("server")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	logger.Info("starting sync server")
	cfg := config.Load()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := startup.RunMigrations(migrateCtx, pool); err != nil {
		migrateCancel()
		logger.Errorf("migrations: %v", err)
		os.Exit(1)
	}
	migrateCancel()
	if *migrateOnly {
		return
	}
	logger.Info("database connected, migrations applied")

	rdb := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	defer rdb.Close()
	logger.Info("redis connected")

	userRepo := repository.NewUserRepository(pool)
	roomRepo := repository.NewRoomRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	presenceStore := presence.NewStore(rdb)
	notifier := push.NewNotifier(rdb, cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.Subscriber)
	issuer := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	h := hub.NewHub(roomRepo, msgRepo, reactRepo, presenceStore, notifier, cfg.MaxWSConnections, cfg.JanitorInterval)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		h.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(userRepo, issuer)
	roomH := handler.NewRoomHandler(roomRepo, userRepo)
	msgH := handler.NewMessageHandler(msgRepo, roomRepo, reactRepo)
	pushH := handler.NewPushHandler(notifier)
	wsH := handler.NewWSHandler(h, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Post("/api/login", authH.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(issuer))
		r.Post("/api/rooms", roomH.CreateRoom)
		r.Get("/api/rooms", roomH.GetUserRooms)
		r.Post("/api/rooms/{id}/members", roomH.AddMember)
		r.Get("/api/rooms/{roomId}/messages", msgH.GetMessages)
		r.Get("/api/messages/{messageId}/reactions", msgH.GetReactions)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

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
		if err != nil && err != http.ErrServerClosed {
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
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

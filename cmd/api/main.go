package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/api"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/attendance"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/auth"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/config"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/httpmiddleware"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/logging"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/metrics"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/queue"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	logging.Init(cfg.SentryDSN, cfg.Env, version)
	defer logging.Flush(2 * time.Second)

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	q := queue.New(cfg.QueueBackend, redisClient.Client)
	svc := attendance.NewService(attendance.NewRepository(db.Client),
		attendance.WithQueue(q),
		attendance.WithLocation(cfg.Location()),
	)
	signer := auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if cfg.RegistrationKey == "" {
		log.Println("REGISTRATION_KEY not set, any device may register")
	}

	r := gin.New()
	r.Use(logging.Recovery())
	r.Use(httpmiddleware.Logger())
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())
	r.Use(metrics.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	checks := map[string]api.Checker{
		"db": func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil },
	}
	if cfg.QueueBackend != "memory" {
		checks["redis"] = redisClient.Healthy
	}
	api.New(svc, signer, cfg.RegistrationKey, checks).Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("api listening on :%s (db %s, queue %s)", cfg.HTTPPort, db.Driver, cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down api...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("api exited")
	return nil
}

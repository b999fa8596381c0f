package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/config"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/logging"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/notify"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/queue"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/store"
)

var version = "dev"

// Worker drains attendance notifications from the queue and republishes
// them to MQTT.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Init(cfg.SentryDSN, cfg.Env, version)
	defer logging.Flush(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Println("QUEUE_BACKEND=memory: the in-process queue is only fed by an api in the same process, nothing to drain")
	}
	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable, consumer will keep retrying", cfg.RedisAddr)
	}
	q := queue.New(cfg.QueueBackend, redisClient.Client)

	notifier, err := notify.New(cfg.MQTT)
	if err != nil {
		log.Fatalf("mqtt setup failed: %v", err)
	}
	if err := notifier.Connect(); err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}
	defer notifier.Close()

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if err := notifier.Handle(msg); err != nil {
			log.Printf("handle %s failed: %v", msg.Type, err)
			logging.CaptureError(err, "worker", map[string]interface{}{"type": msg.Type})
		}
	}
	log.Println("worker stopped")
}

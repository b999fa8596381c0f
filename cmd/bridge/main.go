package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/backend"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/config"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/console"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/httpmiddleware"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/live"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/logging"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/metrics"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/reconcile"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/state"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/transport"
)

var version = "dev"

var _ state.Backend = (*backend.Client)(nil)

// Bridge connects one reader to the attendance API and serves the
// dashboard console.
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

	if err := run(cfg); err != nil {
		log.Fatalf("bridge failed: %v", err)
	}
}

func run(cfg config.App) error {
	bc := cfg.Bridge
	dialect, err := protocol.ParseDialect(bc.Dialect)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := backend.New(bc.APIURL, bc.DeviceID, cfg.RegistrationKey)
	if err := client.Register(ctx); err != nil {
		// the client registers again on the first call
		log.Printf("WARNING: %v", err)
	}

	store := state.New(client, channelFactory(bc, dialect), state.Options{
		OutcomeLogSize: bc.OutcomeLogSize,
		DeviceLogSize:  bc.DeviceLogSize,
	})
	defer store.Disconnect()

	engine := reconcile.New(store, reconcile.Config{Source: bc.DeviceID, Feedback: bc.Feedback})
	store.Subscribe(engine.Handle)
	logging.Go("reconcile", func() { engine.Run(ctx) })

	hub := live.NewHub()
	logging.Go("live hub", func() { hub.Run(ctx) })
	store.Watch(func(u state.Update) {
		hub.Broadcast(live.Message{Type: u.Type, Payload: u.Payload, Timestamp: u.At})
	})

	r := gin.New()
	r.Use(logging.Recovery())
	r.Use(httpmiddleware.Logger())
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(metrics.GinMiddleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	console.New(store, hub.ServeWS, bc.Feedback).Routes(r)

	refreshCtx, refreshCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := store.Refresh(refreshCtx); err != nil {
		log.Printf("initial directory refresh failed: %v", err)
	}
	refreshCancel()

	if kind := transport.ParseKind(bc.Transport); kind != transport.KindNone {
		target := bc.SerialPort
		if kind == transport.KindNetwork {
			target = bc.DeviceAddress
		}
		if err := store.Connect(ctx, kind, target); err != nil {
			log.Printf("auto-connect %s %q failed: %v", kind, target, err)
		}
	}

	srv := &http.Server{
		Addr:        ":" + cfg.BridgePort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf("bridge %s listening on :%s (api %s)", bc.DeviceID, cfg.BridgePort, bc.APIURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down bridge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("bridge exited")
	return nil
}

// channelFactory builds serial or network channels from the bridge config.
func channelFactory(bc config.Bridge, dialect protocol.Dialect) state.ChannelFactory {
	return func(kind transport.Kind, onState transport.StateFunc) (transport.Channel, error) {
		opts := transport.Options{
			Decoder:        protocol.NewDecoder(dialect),
			ConnectTimeout: bc.ConnectTimeout,
			OnState:        onState,
		}
		switch kind {
		case transport.KindSerial:
			return transport.NewSerial(transport.SerialOptions{
				Options:        opts,
				Baud:           bc.SerialBaud,
				BootstrapDelay: bc.BootstrapDelay,
			}), nil
		case transport.KindNetwork:
			return transport.NewNetwork(transport.NetworkOptions{
				Options:        opts,
				ReconnectDelay: bc.ReconnectDelay,
			}), nil
		default:
			return nil, fmt.Errorf("%w: transport %s", transport.ErrUnavailable, kind)
		}
	}
}
